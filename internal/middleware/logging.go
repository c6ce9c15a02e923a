// Package middleware provides Echo middleware for logging, metrics,
// and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"edgegate/internal/service"
)

// RequestLogger returns an Echo middleware that logs each request with
// slog. Proxied requests that went through the edge cache carry its
// verdict as a "cache" field, so HIT ratios can be read off the access
// log without scraping metrics.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if cacheStatus := res.Header().Get(service.CacheStatusHeader); cacheStatus != "" {
				attrs = append(attrs, "cache", cacheStatus)
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}
