package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers for a JSON API that returns
// receipts and record payloads. Strict-Transport-Security is only sent when
// hsts is true, which the server does outside development.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			// Payloads may contain PHI.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
