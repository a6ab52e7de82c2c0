// Package auth issues and verifies tokens, hashes passwords and guards HTTP
// routes by principal and role.
package auth

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/platform/apperr"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	claimsKey    contextKey = "claims"
)

// Verifier is the part of TokenService the middleware needs.
type Verifier interface {
	Verify(token string, class TokenClass) (*Claims, error)
}

// Revocations reports whether an access token id has been revoked.
type Revocations interface {
	IsRevoked(jti string) bool
}

// Authenticate requires a valid bearer access token and stores the principal
// and claims on the request context. revoked may be nil.
func Authenticate(tokens Verifier, revoked Revocations) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return apperr.HTTPError(apperr.ErrUnauthorized)
			}

			claims, err := tokens.Verify(raw, AccessToken)
			if err != nil {
				return apperr.HTTPError(err)
			}
			if revoked != nil && revoked.IsRevoked(claims.ID) {
				return apperr.HTTPError(apperr.ErrInvalidToken)
			}

			principal, err := claims.Principal()
			if err != nil {
				return apperr.HTTPError(err)
			}

			ctx := context.WithValue(c.Request().Context(), principalKey, principal)
			ctx = context.WithValue(ctx, claimsKey, claims)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// WithPrincipal returns ctx carrying p. Intended for tests and internal callers.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}
