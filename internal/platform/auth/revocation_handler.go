package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type revocationCountResponse struct {
	Count int `json:"count"`
}

// RegisterRevocationRoutes mounts access-token revocation management on g.
// Only platform administrators may use it; g must already authenticate.
func RegisterRevocationRoutes(g *echo.Group, list *RevocationList, maxTTL time.Duration) {
	superAdmin := RequireRole(RoleSuperAdmin)
	g.POST("/auth/revocations", handleRevokeToken(list, maxTTL), superAdmin)
	g.GET("/auth/revocations", handleCountRevocations(list), superAdmin)
}

// handleRevokeToken revokes one access token by jti. Without an expiry the
// entry is kept for maxTTL, the longest an access token can live.
func handleRevokeToken(list *RevocationList, maxTTL time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			req.ExpiresAt = time.Now().Add(maxTTL)
		}

		list.Revoke(req.JTI, req.ExpiresAt)
		return c.NoContent(http.StatusNoContent)
	}
}

func handleCountRevocations(list *RevocationList) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, revocationCountResponse{Count: list.Count()})
	}
}
