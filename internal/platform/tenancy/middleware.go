package tenancy

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
)

type contextKey string

const handleKey contextKey = "tenant_handle"

// Middleware borrows a handle to the caller's tenant database for the
// duration of the request. Platform administrators pass through without one.
// It must run after auth.Authenticate.
func Middleware(registry *Registry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			p, ok := auth.PrincipalFromContext(ctx)
			if !ok || p.IsPlatformAdmin() {
				return next(c)
			}

			h, err := registry.Acquire(ctx, *p.TenantID)
			if err != nil {
				return apperr.HTTPError(err)
			}
			defer registry.Release(context.WithoutCancel(ctx), h)

			c.SetRequest(c.Request().WithContext(WithHandle(ctx, h)))
			return next(c)
		}
	}
}

func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey, h)
}

// HandleFromContext returns the request's tenant handle, or nil.
func HandleFromContext(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey).(*Handle)
	return h
}
