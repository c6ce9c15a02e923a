// Package transport wraps a single logical request with timeout,
// CSRF injection, credential refresh, and response sanitization.
// Retry policy lives a layer up in apiclient; this package makes one
// pass (plus the single transparent 401 refresh).
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"edgegate/internal/csrf"
	"edgegate/internal/model"
	"edgegate/internal/notify"
	"edgegate/internal/session"
)

// DefaultTimeout bounds a request when the caller supplies none.
const DefaultTimeout = 30 * time.Second

// sanitizedServerError replaces 5xx bodies so leaked backend internals
// (stack traces, SQL, paths) never reach the UI.
const sanitizedServerError = `{"error":"an internal error occurred, please try again later"}`

// maxResponseBytes caps buffered response bodies.
const maxResponseBytes = 32 * 1024 * 1024

// Request is one logical call through the transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// safeMethods need no CSRF token.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// Transport executes requests against the gateway. The underlying
// http.Client should carry a cookie jar so same-origin session cookies
// are always included, mirroring credentials mode "include".
type Transport struct {
	httpClient *http.Client
	broker     *csrf.Broker
	tokens     session.TokenSource
	notifier   notify.Notifier
	logger     *slog.Logger

	timeout time.Duration

	// debugChecks enables the tenant-isolation walk; tenantID is the
	// caller's own tenant. Off in release builds: the recursive walk
	// is a diagnostic, not production logic.
	debugChecks bool
	tenantID    string
}

// Option configures a Transport.
type Option func(*Transport)

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// WithTenantCheck enables the development-only tenant-isolation walk
// for the given tenant.
func WithTenantCheck(tenantID string) Option {
	return func(t *Transport) {
		t.debugChecks = true
		t.tenantID = tenantID
	}
}

// New creates a Transport.
func New(httpClient *http.Client, broker *csrf.Broker, tokens session.TokenSource, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Transport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	t := &Transport{
		httpClient: httpClient,
		broker:     broker,
		tokens:     tokens,
		notifier:   notifier,
		logger:     logger.With("component", "transport"),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do executes one logical request. On 401 it refreshes the session
// once and retries once; a second 401 is returned as-is. 429 raises a
// UX signal but the response still goes back to the caller. 5xx bodies
// are sanitized with the status preserved.
func (t *Transport) Do(ctx context.Context, req Request) (*model.Response, error) {
	timeout := t.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := make(http.Header)
	for k, v := range req.Header {
		header[k] = v
	}

	if t.broker != nil && !safeMethods[req.Method] {
		if token := t.broker.Token(ctx); token != "" {
			header.Set("X-CSRF-Token", token)
		}
	}

	resp, err := t.send(ctx, req, header, timeout)
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusUnauthorized && t.tokens != nil {
		newToken, refreshErr := t.tokens.Refresh(ctx)
		if refreshErr != nil || newToken == "" {
			// Refresh failed: surface the original 401, no loop.
			return t.finish(req, resp)
		}
		header.Set("Authorization", "Bearer "+newToken)
		retried, err := t.send(ctx, req, header, timeout)
		if err != nil {
			return nil, err
		}
		resp = retried
	}

	return t.finish(req, resp)
}

// send performs one HTTP round trip with the body fully buffered.
func (t *Transport) send(ctx context.Context, req Request, header http.Header, timeout time.Duration) (*model.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = header

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{URL: req.URL, Limit: timeout}
		}
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{URL: req.URL, Limit: timeout}
		}
		return nil, err
	}

	return &model.Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   buf,
	}, nil
}

// finish applies the response-side policy: rate-limit signaling,
// tenant checks, and 5xx sanitization.
func (t *Transport) finish(req Request, resp *model.Response) (*model.Response, error) {
	if resp.Status == http.StatusTooManyRequests {
		t.notifier.RateLimited(pathOf(req.URL))
	}

	if resp.OK() && t.debugChecks && isJSON(resp.Header) {
		if secErr := checkTenantIsolation(resp.Body, t.tenantID); secErr != nil {
			return nil, secErr
		}
	}

	if resp.Status >= http.StatusInternalServerError {
		t.logger.Warn("sanitizing server error response",
			"status", resp.Status,
			"path", pathOf(req.URL),
		)
		resp.Body = []byte(sanitizedServerError)
		resp.Header = cloneWithContentType(resp.Header)
	}

	return resp, nil
}

func isJSON(header http.Header) bool {
	return strings.Contains(header.Get("Content-Type"), "application/json")
}

func cloneWithContentType(header http.Header) http.Header {
	h := header.Clone()
	h.Set("Content-Type", "application/json")
	h.Del("Content-Length")
	return h
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
