package directory

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/pkg/pagination"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the directory endpoints. api must already run
// auth.Authenticate.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("", auth.RequireRole(auth.RoleSuperAdmin))
	admin.GET("/tenants", h.ListTenants)
	admin.GET("/tenants/:id", h.GetTenant)
	admin.PATCH("/tenants/:id", h.UpdateTenant)
	admin.PUT("/tenants/:id/status", h.UpdateTenantStatus)
	admin.GET("/plans", h.ListPlans)
}

func (h *Handler) ListTenants(c echo.Context) error {
	p := pagination.FromContext(c)
	page := Page{Limit: p.Limit, Offset: p.Offset, Status: TenantStatus(c.QueryParam("status"))}

	tenants, total, err := h.store.ListTenants(c.Request().Context(), page)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if tenants == nil {
		tenants = []*Tenant{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(tenants, total, p))
}

func (h *Handler) GetTenant(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()

	t, err := h.store.FindTenantByID(ctx, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	sub, err := h.store.GetActiveSubscription(ctx, id)
	switch {
	case err == nil:
		t.Subscription = sub
	case !errors.Is(err, apperr.ErrNotFound):
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) UpdateTenant(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var patch TenantPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	t, err := h.store.UpdateTenant(c.Request().Context(), id, patch)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, t)
}

type statusRequest struct {
	Status TenantStatus `json:"status"`
}

func (h *Handler) UpdateTenantStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	if err := h.store.UpdateTenantStatus(ctx, id, req.Status); err != nil {
		return apperr.HTTPError(err)
	}
	t, err := h.store.FindTenantByID(ctx, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListPlans(c echo.Context) error {
	plans, err := h.store.ListPlans(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	if plans == nil {
		plans = []*PricingPlan{}
	}
	return c.JSON(http.StatusOK, plans)
}
