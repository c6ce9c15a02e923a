// Package service implements the edge gateway forwarding logic:
// header policy, stream-path credential injection, and the caching
// policy around upstream calls.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"edgegate/internal/cache"
	"edgegate/internal/client"
	"edgegate/internal/config"
	"edgegate/internal/model"
	"edgegate/internal/origin"
	"edgegate/internal/session"
)

// MarkerHeader is stamped on upstream requests and every gateway
// response. Set (not Add) keeps a double-proxied request idempotent.
const MarkerHeader = "X-Edge-Gateway"

// MarkerValue is the constant marker header value.
const MarkerValue = "1"

// CacheStatusHeader reports HIT, STALE, or MISS on cache-eligible paths.
const CacheStatusHeader = "X-Cache"

// forwardableRequestHeaders is the trust-boundary allow-list: only
// these request headers cross to the origin.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	"Cookie",
	"User-Agent",
	"X-CSRF-Token",
	"X-Requested-With",
}

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// tokenQueryParams are credential-bearing query parameters stripped
// from the stream path. A token in the URL ends up in access logs and
// referrers; it is never honored.
var tokenQueryParams = []string{"token", "access_token", "apikey", "api_key", "authorization"}

// GatewayService applies the gateway policy to proxied requests.
type GatewayService struct {
	client   *client.UpstreamClient
	cfg      *config.Config
	resolver *origin.Resolver
	store    *cache.Store
	sessions *session.Store
	logger   *slog.Logger
}

// NewGatewayService creates a GatewayService.
func NewGatewayService(c *client.UpstreamClient, cfg *config.Config, r *origin.Resolver, store *cache.Store, sessions *session.Store, logger *slog.Logger) *GatewayService {
	return &GatewayService{
		client:   c,
		cfg:      cfg,
		resolver: r,
		store:    store,
		sessions: sessions,
		logger:   logger.With("component", "gateway_service"),
	}
}

// IsStreamPath reports whether the inbound path is the designated SSE
// job-stream path.
func (s *GatewayService) IsStreamPath(path string) bool {
	return path == s.cfg.StreamPath()
}

// CacheEligibleRequest reports whether a request may be answered from
// or written to the cache: GET, allow-listed prefix, and no inbound
// credentials. Credentialed requests must never share cached bodies
// across tenants.
func (s *GatewayService) CacheEligibleRequest(pr *model.ProxyRequest) bool {
	if !s.cfg.Cache.Enabled || pr.Method != http.MethodGet {
		return false
	}
	if pr.Header.Get("Authorization") != "" || pr.Header.Get("Cookie") != "" {
		return false
	}
	return s.cacheablePath(pr.Path)
}

func (s *GatewayService) cacheablePath(path string) bool {
	for _, prefix := range s.cfg.Cache.Paths {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// cacheEligibleResponse re-evaluates eligibility with the upstream
// response in hand: success status and no Set-Cookie.
func cacheEligibleResponse(status int, header http.Header) bool {
	if status < 200 || status >= 300 {
		return false
	}
	return header.Get("Set-Cookie") == ""
}

// CacheKey builds the cache identity for a request. Fails only when no
// origin is configured.
func (s *GatewayService) CacheKey(pr *model.ProxyRequest) (string, error) {
	target, err := s.resolver.Target(pr.Path, pr.Query.Encode())
	if err != nil {
		return "", err
	}
	return cache.Key(pr.Method, target, pr.Header.Get("Accept")), nil
}

// Lookup returns the cached entry for an eligible request, if any.
func (s *GatewayService) Lookup(pr *model.ProxyRequest) (*cache.Entry, cache.State) {
	key, err := s.CacheKey(pr)
	if err != nil {
		return nil, cache.Miss
	}
	return s.store.Get(key)
}

// Forward sends a ProxyRequest to the backend origin and returns its
// response. The caller is responsible for closing the response body.
func (s *GatewayService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	query := pr.Query
	if s.IsStreamPath(pr.Path) {
		query = stripTokenParams(query)
	}
	target, err := s.resolver.Target(pr.Path, query.Encode())
	if err != nil {
		return nil, err
	}
	header := s.buildUpstreamHeaders(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to origin: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamHeaders applies the allow-list, stamps the marker, and
// injects the session bearer token on the stream path. Browsers'
// EventSource cannot carry custom headers, so the stream connection is
// authenticated here from the same-origin session cookie.
func (s *GatewayService) buildUpstreamHeaders(pr *model.ProxyRequest) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := pr.Header.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set(MarkerHeader, MarkerValue)

	if s.IsStreamPath(pr.Path) && dst.Get("Authorization") == "" {
		if token := s.sessionToken(pr.Header); token != "" {
			dst.Set("Authorization", "Bearer "+token)
		}
	}

	return dst
}

// sessionToken resolves the session cookie from raw request headers.
func (s *GatewayService) sessionToken(header http.Header) string {
	r := http.Request{Header: header}
	c, err := r.Cookie(s.cfg.Gateway.SessionCookie)
	if err != nil || c.Value == "" {
		return ""
	}
	return s.sessions.Token(c.Value)
}

// FinalizeHeaders applies the response-side cache policy and stamps
// the marker. It returns the cache entry to store asynchronously, or
// nil when the response must not be cached.
func (s *GatewayService) FinalizeHeaders(pr *model.ProxyRequest, status int, header http.Header) *cache.Entry {
	header.Set(MarkerHeader, MarkerValue)

	if s.CacheEligibleRequest(pr) && cacheEligibleResponse(status, header) {
		s.stampCachePolicy(header)
		return s.newEntry(status, header)
	}

	// Sensitive or non-cacheable response: make sure no intermediary
	// caches it by accident.
	if header.Get("Cache-Control") == "" {
		header.Set("Cache-Control", "no-store")
	}
	return nil
}

// stampCachePolicy sets the headers every cacheable response carries.
// Both store paths (first miss and background stale refresh) go
// through here so a later HIT serves identical headers either way.
func (s *GatewayService) stampCachePolicy(header http.Header) {
	header.Set(MarkerHeader, MarkerValue)
	header.Set("Cache-Control",
		fmt.Sprintf("public, max-age=%d, stale-while-revalidate=%d",
			s.cfg.Cache.FreshSeconds, s.cfg.Cache.StaleSeconds))
	header.Set(CacheStatusHeader, "MISS")
}

// newEntry builds a cache entry sharing the finalized headers. The
// body is filled in by the handler once fully read.
func (s *GatewayService) newEntry(status int, header http.Header) *cache.Entry {
	return &cache.Entry{
		Status:   status,
		Header:   header.Clone(),
		FreshFor: secondsDuration(s.cfg.Cache.FreshSeconds),
		StaleFor: secondsDuration(s.cfg.Cache.StaleSeconds),
	}
}

// StoreEntry writes a finished entry to the cache. Called after the
// response has been sent to the client; failures are not reported.
func (s *GatewayService) StoreEntry(key string, entry *cache.Entry, body []byte) {
	entry.Body = body
	s.store.Put(key, entry)
}

// RefreshStale re-fetches a stale cache entry in the background. The
// client already got the stale body; this repopulates the fresh window.
// Runs detached from the inbound request context, which is canceled
// once the stale response has been written.
func (s *GatewayService) RefreshStale(pr *model.ProxyRequest) {
	refresh := *pr
	refresh.Ctx = context.WithoutCancel(pr.Ctx)
	refresh.Body = nil

	resp, err := s.Forward(&refresh)
	if err != nil {
		s.logger.Debug("stale refresh failed", "path", pr.Path, "err", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if !cacheEligibleResponse(resp.StatusCode, resp.Header) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.Server.BodyMaxBytes))
	if err != nil {
		return
	}

	key, err := s.CacheKey(pr)
	if err != nil {
		return
	}
	s.stampCachePolicy(resp.Header)
	s.StoreEntry(key, s.newEntry(resp.StatusCode, resp.Header), body)
}

func stripTokenParams(query url.Values) url.Values {
	q := make(url.Values, len(query))
	for k, v := range query {
		q[k] = v
	}
	for _, p := range tokenQueryParams {
		q.Del(p)
		q.Del(strings.ToUpper(p))
	}
	return q
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}
	return dst
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
