package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout returns middleware that sets a context deadline on each
// incoming request. If the deadline passes before the handler completes, the
// request context is cancelled and a 504 is returned. Paths matching one of
// skip are left without a deadline.
//
// Anchoring handlers apply their own, shorter submission and lookup
// timeouts from the request context, so this is an outer bound.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, prefix := range skip {
				if strings.HasPrefix(path, prefix) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			// Run handler in a goroutine so we can select on the context.
			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return gatewayTimeoutError(c)
				}
				// client went away
				return ctx.Err()
			}
		}
	}
}

func gatewayTimeoutError(c echo.Context) error {
	if !c.Response().Committed {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "request timed out",
		})
	}
	return nil
}
