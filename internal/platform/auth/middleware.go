package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	PatientIDKey contextKey = "patient_id"
)

// Portal roles.
const (
	RolePatient  = "patient"
	RoleDoctor   = "doctor"
	RoleHospital = "hospital"
	RoleAdmin    = "admin"
)

// Claims are the JWT claims issued by the portal's identity service.
// PatientID is set for patient tokens and names the only subject the bearer
// may read.
type Claims struct {
	jwt.RegisteredClaims
	Roles     []string `json:"roles"`
	PatientID string   `json:"patient_id,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(t *jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		jwksURL := cfg.JWKSURL
		if jwksURL == "" && cfg.Issuer != "" {
			if provider, err := NewOIDCProvider(cfg.Issuer); err == nil {
				jwksURL = provider.JWKSURI
			}
		}
		keyFunc = jwksKeyFunc(NewJWKSCache(jwksURL, defaultJWKSCacheTTL))
	}

	methods := []string{"RS256"}
	if len(cfg.SigningKey) > 0 {
		methods = []string{"HS256"}
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), claims.Subject, claims.Roles, claims.PatientID)))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token get admin access; X-Dev-Roles and X-Dev-Patient override
// the roles and patient id so role checks can be exercised locally. When a
// token is present it is validated with jwtCfg.
func DevAuthMiddleware(jwtCfg JWTConfig) echo.MiddlewareFunc {
	jwtMW := JWTMiddleware(jwtCfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		withToken := jwtMW(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" && len(jwtCfg.SigningKey) > 0 {
				return withToken(c)
			}

			roles := []string{RoleAdmin}
			if h := c.Request().Header.Get("X-Dev-Roles"); h != "" {
				roles = nil
				for _, r := range strings.Split(h, ",") {
					if r = strings.TrimSpace(r); r != "" {
						roles = append(roles, r)
					}
				}
			}
			ctx := WithIdentity(c.Request().Context(), "dev-user", roles, c.Request().Header.Get("X-Dev-Patient"))
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithIdentity stores the caller's identity on ctx.
func WithIdentity(ctx context.Context, userID string, roles []string, patientID string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	ctx = context.WithValue(ctx, PatientIDKey, patientID)
	return ctx
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func PatientIDFromContext(ctx context.Context) string {
	pid, _ := ctx.Value(PatientIDKey).(string)
	return pid
}
