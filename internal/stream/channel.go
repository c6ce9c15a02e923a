// Package stream maintains the live job-update subscription: a
// long-lived SSE connection through the gateway's authenticated stream
// path, with capped exponential-backoff reconnect and an in-memory
// view of the latest job states.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"edgegate/internal/clock"
	"edgegate/internal/model"
	"edgegate/internal/notify"
	"edgegate/internal/session"
)

// jobUpdateEvent is the named SSE event carrying job update batches.
const jobUpdateEvent = "job_update"

// ErrNotGatewayPath means the computed stream URL does not route
// through the gateway prefix. Connecting anyway would reach the origin
// unauthenticated, so Init refuses.
var ErrNotGatewayPath = errors.New("stream URL does not route through the gateway")

// tokenQueryParams are credential-bearing query parameters never sent
// on the stream URL, wherever they came from.
var tokenQueryParams = []string{"token", "access_token", "apikey", "api_key", "authorization"}

// Config holds channel settings.
type Config struct {
	// URL is the absolute stream URL (gateway origin + stream path).
	URL string

	// GatewayPrefix is the path prefix the stream URL must be under.
	GatewayPrefix string

	// Reconnect backoff: delay = min(InitialDelay << min(attempt,
	// MaxExponent), MaxDelay) + jitter in [0, JitterCap).
	InitialDelay time.Duration
	MaxDelay     time.Duration
	JitterCap    time.Duration
	MaxExponent  int
}

func (c *Config) defaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.JitterCap <= 0 {
		c.JitterCap = time.Second
	}
	if c.MaxExponent <= 0 {
		c.MaxExponent = 5
	}
}

// Channel is the live update subscription. One instance owns its
// connection handle, reconnect timer, and job map; there is no
// cross-instance sharing.
type Channel struct {
	cfg        Config
	httpClient *http.Client
	tokens     session.TokenSource
	notifier   notify.Notifier
	clk        clock.Clock
	logger     *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	body      io.ReadCloser
	connected bool
	attempts  int
	timer     *clock.Timer
	reconnect bool
	dialing   bool
	jobs      map[string]model.JobUpdate
}

// NewChannel creates a Channel. The httpClient must have no global
// timeout: the connection is expected to stay open indefinitely.
func NewChannel(cfg Config, httpClient *http.Client, tokens session.TokenSource, notifier notify.Notifier, clk clock.Clock, logger *slog.Logger) *Channel {
	cfg.defaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Channel{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		notifier:   notifier,
		clk:        clk,
		logger:     logger.With("component", "job_stream"),
		jobs:       make(map[string]model.JobUpdate),
	}
}

// Init opens the subscription. No-op when already connected or a
// reconnect is pending. Without a session token it returns nil without
// connecting: a deferred state, not an error. Call Init again once a
// session exists.
func (c *Channel) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.dialing || c.timer != nil {
		c.mu.Unlock()
		return nil
	}
	c.reconnect = true
	c.dialing = true

	if c.tokens.Token() == "" {
		c.dialing = false
		c.mu.Unlock()
		c.logger.Debug("no session token, stream deferred")
		return nil
	}

	streamURL, err := c.validateURL()
	if err != nil {
		c.dialing = false
		c.mu.Unlock()
		c.notifier.StreamError(err.Error())
		return err
	}

	if c.cancel == nil {
		// The channel outlives the Init caller; Disconnect is the
		// only way to tear it down.
		c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	c.mu.Unlock()

	c.connect(streamURL)
	return nil
}

// validateURL checks the stream path routes through the gateway and
// strips token-like query parameters.
func (c *Channel) validateURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream URL: %w", err)
	}
	if c.cfg.GatewayPrefix == "" || !strings.HasPrefix(u.Path, c.cfg.GatewayPrefix) {
		return "", fmt.Errorf("%w: path %q outside prefix %q", ErrNotGatewayPath, u.Path, c.cfg.GatewayPrefix)
	}

	q := u.Query()
	for _, p := range tokenQueryParams {
		q.Del(p)
		q.Del(strings.ToUpper(p))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect opens the SSE request and hands the body to the read loop.
// Failure schedules a reconnect rather than returning an error: the
// subscription is expected to outlive transient outages.
func (c *Channel) connect(streamURL string) {
	c.mu.Lock()
	c.dialing = true
	ctx := c.ctx
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
	}()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		c.logger.Warn("building stream request", "err", err)
		c.scheduleReconnect(streamURL)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("stream connect failed", "err", err)
		c.scheduleReconnect(streamURL)
		return
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		c.logger.Warn("stream connect rejected", "status", resp.StatusCode)
		c.scheduleReconnect(streamURL)
		return
	}

	c.mu.Lock()
	c.body = resp.Body
	c.connected = true
	c.attempts = 0
	c.mu.Unlock()
	c.logger.Info("stream connected")

	go c.readLoop(resp.Body, streamURL)
}

// readLoop applies events sequentially in arrival order; the job map
// is never mutated concurrently.
func (c *Channel) readLoop(body io.ReadCloser, streamURL string) {
	err := readEvents(body, func(ev sseEvent) {
		if ev.name == jobUpdateEvent {
			c.applyBatch(ev.data)
		}
	})

	c.mu.Lock()
	wasCurrent := c.body == body
	if wasCurrent {
		c.connected = false
		c.body = nil
	}
	stopping := !c.reconnect
	c.mu.Unlock()

	_ = body.Close()
	if !wasCurrent || stopping {
		return
	}

	if err != nil {
		c.logger.Warn("stream read error", "err", err)
	} else {
		c.logger.Info("stream closed by server")
	}
	c.scheduleReconnect(streamURL)
}

// applyBatch upserts one job_update batch. A malformed batch is a
// recoverable warning, never a subscription failure.
func (c *Channel) applyBatch(data []byte) {
	var updates []model.JobUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		c.logger.Warn("malformed job update batch", "err", err)
		c.notifier.Warning("received a malformed job update, ignoring")
		return
	}

	for _, u := range updates {
		if u.ID == "" {
			continue
		}
		c.mu.Lock()
		prev, seen := c.jobs[u.ID]
		c.jobs[u.ID] = u
		c.mu.Unlock()

		if u.Status.Terminal() && (!seen || prev.Status != u.Status) {
			c.notifier.JobFinished(u)
		}
	}
}

// scheduleReconnect arms the reconnect timer. No-op when reconnection
// is disabled or a timer is already pending; at most one timer exists.
func (c *Channel) scheduleReconnect(streamURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.reconnect || c.timer != nil {
		return
	}

	delay := c.backoffDelay(c.attempts)
	c.attempts++

	c.logger.Info("scheduling stream reconnect",
		"attempt", c.attempts,
		"delay", delay,
	)
	c.timer = c.clk.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		enabled := c.reconnect
		c.mu.Unlock()
		if !enabled {
			return
		}
		if c.tokens.Token() == "" {
			c.logger.Debug("session gone, stream reconnect deferred")
			return
		}
		c.connect(streamURL)
	})
}

// backoffDelay computes min(initial << min(attempt, maxExponent),
// maxDelay) plus jitter in [0, jitterCap).
func (c *Channel) backoffDelay(attempt int) time.Duration {
	exp := attempt
	if exp > c.cfg.MaxExponent {
		exp = c.cfg.MaxExponent
	}
	delay := c.cfg.InitialDelay << exp
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay + time.Duration(rand.Int64N(int64(c.cfg.JitterCap)))
}

// Disconnect tears the channel down: disables reconnection, cancels
// any pending timer, closes the connection, and resets counters.
// Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.reconnect = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.body != nil {
		_ = c.body.Close()
		c.body = nil
	}
	c.connected = false
	c.attempts = 0
	cancel := c.cancel
	c.cancel = nil
	c.ctx = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.logger.Info("stream disconnected")
}

// Connected reports whether the subscription is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Updates returns the known job updates, most recently updated first.
func (c *Channel) Updates() []model.JobUpdate {
	c.mu.Lock()
	out := make([]model.JobUpdate, 0, len(c.jobs))
	for _, u := range c.jobs {
		out = append(out, u)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// ActiveCount returns the number of jobs still pending or running.
func (c *Channel) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, u := range c.jobs {
		if u.Status.Active() {
			n++
		}
	}
	return n
}
