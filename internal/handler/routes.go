package handler

import (
	"github.com/labstack/echo/v4"

	"edgegate/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	e.Any(cfg.Gateway.Prefix+"/*", proxy.Handle)
}
