package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/anchor/internal/platform/auth"
)

// Logger emits one structured line per request. The route pattern is logged
// instead of the raw path so receipt ids stay out of the request log.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			evt := logger.Info()
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
				evt = logger.Error().Err(err)
			}

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("route", route).
				Str("user_id", auth.UserIDFromContext(req.Context())).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
