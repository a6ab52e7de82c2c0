package middleware

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
)

type TimeoutConfig struct {
	Timeout time.Duration
	// Routes overrides Timeout per route, keyed by "METHOD /route/:template".
	Routes map[string]time.Duration
}

// RequestTimeout puts a deadline on the request context. Handlers and the
// database calls they make observe it; the middleware itself does not race
// the handler.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return RequestTimeoutWithConfig(TimeoutConfig{Timeout: timeout})
}

// RequestTimeoutWithConfig is RequestTimeout with per-route deadlines. It
// must be registered with Use, after routing, so c.Path is known.
func RequestTimeoutWithConfig(cfg TimeoutConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			timeout := cfg.Timeout
			if d, ok := cfg.Routes[c.Request().Method+" "+c.Path()]; ok {
				timeout = d
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
