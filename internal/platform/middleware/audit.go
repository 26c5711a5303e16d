package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/anchor/internal/platform/auth"
)

// Context keys handlers use to tell the audit middleware which subject and
// receipt a request touched when neither appears in the URL.
const (
	AuditSubjectKey = "audit_subject_id"
	AuditReceiptKey = "audit_receipt_id"
)

// APIPrefix is the versioned group the record routes are mounted under.
const APIPrefix = "/api/v1"

func apiPath(path string) string {
	if rest := strings.TrimPrefix(path, APIPrefix); rest != path && strings.HasPrefix(rest, "/") {
		return rest
	}
	return path
}

// AuditEntry records who touched which anchored record, when and how.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Action     string // anchor, verify, read, evict, list, handoff
	SubjectID  string
	ReceiptID  string
	IPAddress  string
	UserAgent  string
	Route      string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every access to anchored records for HIPAA accounting. Entries
// always go to the structured log; recorders receive a copy as well.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Route:      c.Path(),
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
			}
			entry.Action = auditAction(req.Method, entry.Route)
			entry.SubjectID = auditSubject(c)
			entry.ReceiptID = auditReceipt(c)
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "hipaa_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("subject_id", entry.SubjectID).
				Str("receipt_id", entry.ReceiptID).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("record_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	path = apiPath(path)
	for _, prefix := range []string{"/records", "/receipts", "/handoff"} {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// auditAction names the operation a route performs.
func auditAction(method, route string) string {
	route = apiPath(route)
	switch {
	case method == http.MethodPost && route == "/records/anchor":
		return "anchor"
	case method == http.MethodPost && route == "/records/verify":
		return "verify"
	case method == http.MethodDelete:
		return "evict"
	case strings.HasSuffix(route, "/handoff"), strings.HasPrefix(route, "/handoff"):
		return "handoff"
	case route == "/receipts":
		return "list"
	default:
		return "read"
	}
}

func auditSubject(c echo.Context) string {
	if s, ok := c.Get(AuditSubjectKey).(string); ok && s != "" {
		return s
	}
	return c.QueryParam("subject_id")
}

func auditReceipt(c echo.Context) string {
	if r, ok := c.Get(AuditReceiptKey).(string); ok && r != "" {
		return r
	}
	return c.Param("receiptId")
}
