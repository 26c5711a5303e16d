package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(c.Request().Context(), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether the caller has one of roles or is an admin.
func HasRole(ctx context.Context, roles ...string) bool {
	for _, has := range RolesFromContext(ctx) {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}

// CanAccessSubject reports whether the caller may read records of subjectID.
// Clinical roles may read any subject; a patient only their own.
func CanAccessSubject(ctx context.Context, subjectID string) bool {
	if HasRole(ctx, RoleDoctor, RoleHospital) {
		return true
	}
	if !HasRole(ctx, RolePatient) {
		return false
	}
	pid := PatientIDFromContext(ctx)
	return pid != "" && pid == subjectID
}
