// Package csrf acquires and caches the CSRF token used on
// state-changing requests. Acquisition is single-flight: any number of
// concurrent first-use callers share one network call.
package csrf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"edgegate/internal/clock"
)

// Defaults for the acquisition call and the post-settle cooldown.
const (
	defaultFetchTimeout = 5 * time.Second
	defaultCooldown     = 1 * time.Second
)

// Broker fetches the CSRF token from the public token endpoint and
// hands it to the transport. Failure to acquire is non-fatal: callers
// proceed without the header and defer to the backend's own rejection.
type Broker struct {
	httpClient *http.Client
	endpoint   string
	timeout    time.Duration
	cooldown   time.Duration
	clk        clock.Clock
	logger     *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	token     string
	settledAt time.Time
	outcome   string // result of the last acquisition, may be empty
}

// NewBroker creates a Broker for the given token endpoint
// (GET {endpoint} -> {"csrf_token": "..."}).
func NewBroker(httpClient *http.Client, endpoint string, clk clock.Clock, logger *slog.Logger) *Broker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Broker{
		httpClient: httpClient,
		endpoint:   endpoint,
		timeout:    defaultFetchTimeout,
		cooldown:   defaultCooldown,
		clk:        clk,
		logger:     logger.With("component", "csrf_broker"),
	}
}

// Token returns the CSRF token, fetching it if needed. Concurrent
// callers before any token exists trigger exactly one network call and
// all receive its outcome. After an acquisition settles, its outcome
// (including failure) is held for a cooldown so a burst of
// near-simultaneous requests does not each re-fetch; a later caller
// retries a failed acquisition once the cooldown passes.
//
// Returns "" when no token could be acquired.
func (b *Broker) Token(ctx context.Context) string {
	b.mu.Lock()
	if b.token != "" {
		defer b.mu.Unlock()
		return b.token
	}
	if !b.settledAt.IsZero() && b.clk.Now().Sub(b.settledAt) < b.cooldown {
		defer b.mu.Unlock()
		return b.outcome
	}
	b.mu.Unlock()

	v, _, _ := b.group.Do("csrf", func() (any, error) {
		token := b.fetch(ctx)
		b.mu.Lock()
		b.outcome = token
		b.settledAt = b.clk.Now()
		if token != "" {
			b.token = token
		}
		b.mu.Unlock()
		return token, nil
	})
	return v.(string)
}

// Invalidate drops the cached token, forcing a re-fetch on next use.
// Called when the backend rejects the token.
func (b *Broker) Invalidate() {
	b.mu.Lock()
	b.token = ""
	b.settledAt = time.Time{}
	b.outcome = ""
	b.mu.Unlock()
}

// fetch performs one acquisition. Its own timeout is capped by the
// caller's context.
func (b *Broker) fetch(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint, nil)
	if err != nil {
		b.logger.Debug("building csrf request", "err", err)
		return ""
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Debug("csrf token fetch failed", "err", err)
		return ""
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b.logger.Debug("csrf token fetch failed", "status", resp.StatusCode)
		return ""
	}

	var payload struct {
		CSRFToken string `json:"csrf_token"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		b.logger.Debug("reading csrf response", "err", err)
		return ""
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		b.logger.Debug("parsing csrf response", "err", fmt.Errorf("unmarshal: %w", err))
		return ""
	}
	return payload.CSRFToken
}
