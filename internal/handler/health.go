package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edgegate/internal/cache"
	"edgegate/internal/config"
	"edgegate/internal/origin"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	resolver *origin.Resolver
	store    *cache.Store
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, r *origin.Resolver, store *cache.Store) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, resolver: r, store: store}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information. A gateway without a
// configured origin still reports status so the misconfiguration is
// visible from the outside.
func (h *HealthHandler) Status(c echo.Context) error {
	originStr := "unconfigured"
	if o := h.resolver.Origin(); o != nil {
		originStr = o.String()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       string(h.version),
		"origin":        originStr,
		"cache_entries": h.store.Len(),
	})
}
