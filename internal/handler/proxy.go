package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"edgegate/internal/cache"
	"edgegate/internal/metrics"
	"edgegate/internal/model"
	"edgegate/internal/origin"
	"edgegate/internal/service"
)

// ProxyHandler forwards gateway requests to the backend origin,
// applying the cache and streaming policy.
type ProxyHandler struct {
	service *service.GatewayService
	metrics *metrics.Metrics // optional
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.GatewayService, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the backend origin. Cache-eligible GET
// responses are buffered and written to the cache after the client has
// been answered; everything else is streamed through with per-chunk
// flushing so SSE passes through unbuffered.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	if h.service.CacheEligibleRequest(pr) {
		if entry, state := h.service.Lookup(pr); state != cache.Miss {
			return h.serveCached(c, pr, entry, state)
		}
	}

	// Non-GET/HEAD bodies are read fully before forwarding: the
	// upstream call may need a retryable, length-known body, and the
	// inbound size is already capped by the BodyLimit middleware.
	if pr.Method != http.MethodGet && pr.Method != http.MethodHead && pr.Body != nil {
		buf, err := io.ReadAll(pr.Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "failed to read request body",
			})
		}
		pr.Body = io.NopCloser(bytes.NewReader(buf))
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	entry := h.service.FinalizeHeaders(pr, resp.StatusCode, resp.Header)

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	if entry != nil {
		return h.sendAndStore(c, pr, resp, entry)
	}
	if h.metrics != nil && h.service.IsStreamPath(pr.Path) {
		h.metrics.StreamSessions.Inc()
		defer h.metrics.StreamSessions.Dec()
	}
	return h.stream(c, resp)
}

// serveCached answers from the cache. Stale entries are served as-is
// and refreshed in the background.
func (h *ProxyHandler) serveCached(c echo.Context, pr *model.ProxyRequest, entry *cache.Entry, state cache.State) error {
	hdr := c.Response().Header()
	for key, vals := range entry.Header {
		for _, v := range vals {
			hdr.Add(key, v)
		}
	}
	status := "HIT"
	if state == cache.Stale {
		status = "STALE"
		go h.service.RefreshStale(pr)
	}
	hdr.Set(service.CacheStatusHeader, status)
	hdr.Set(service.MarkerHeader, service.MarkerValue)

	c.Response().WriteHeader(entry.Status)
	_, err := c.Response().Write(entry.Body)
	return err
}

// sendAndStore buffers a cache-eligible body, answers the client, and
// writes the cache entry after the response is on the wire.
func (h *ProxyHandler) sendAndStore(c echo.Context, pr *model.ProxyRequest, resp *model.ProxyResponse, entry *cache.Entry) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Error("reading cacheable response body",
			"err", err,
			"path", pr.Path,
		)
		return nil
	}

	if _, err := c.Response().Write(body); err != nil {
		h.logger.Error("writing response body", "err", err, "path", pr.Path)
	}

	// Write-after-respond: the client never waits on the cache.
	key, err := h.service.CacheKey(pr)
	if err != nil {
		return nil
	}
	go h.service.StoreEntry(key, entry, body)
	return nil
}

// stream copies the upstream body to the client, flushing after each
// chunk so server-push events are delivered as they arrive. A
// mid-stream failure truncates the response; the status line has
// already been sent and cannot change.
func (h *ProxyHandler) stream(c echo.Context, resp *model.ProxyResponse) error {
	w := c.Response()
	buf := make([]byte, 8*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.logger.Error("streaming response body",
					"err", werr,
					"path", c.Request().URL.Path,
				)
				return nil
			}
			w.Flush()
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Error("streaming response body",
					"err", err,
					"path", c.Request().URL.Path,
				)
			}
			return nil
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, origin.ErrNoOrigin) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "gateway misconfigured: no backend origin",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
