// Package apiclient is the verb-based facade dashboard code calls. It
// adds bounded exponential-backoff retry around the resilient
// transport: 503 responses and thrown errors back off and retry,
// permission errors return immediately.
package apiclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"edgegate/internal/clock"
	"edgegate/internal/model"
	"edgegate/internal/notify"
	"edgegate/internal/transport"
)

// DefaultAttempts is the bounded attempt count.
const DefaultAttempts = 3

// ErrAttemptsExhausted is returned when every attempt came back as a
// failure response without the transport ever throwing.
var ErrAttemptsExhausted = errors.New("api request failed after all retry attempts")

// Doer is the transport surface the facade retries over. Satisfied by
// *transport.Transport.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (*model.Response, error)
}

// Client wraps a Doer with retry.
type Client struct {
	transport Doer
	notifier  notify.Notifier
	clk       clock.Clock
	logger    *slog.Logger
	attempts  int
}

// Option configures a Client.
type Option func(*Client)

// WithAttempts overrides the attempt bound.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// New creates a Client.
func New(t Doer, notifier notify.Notifier, clk clock.Clock, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		transport: t,
		notifier:  notifier,
		clk:       clk,
		logger:    logger.With("component", "api_client"),
		attempts:  DefaultAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, url string) (*model.Response, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, url string, body []byte) (*model.Response, error) {
	return c.do(ctx, http.MethodPost, url, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, url string, body []byte) (*model.Response, error) {
	return c.do(ctx, http.MethodPut, url, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, url string) (*model.Response, error) {
	return c.do(ctx, http.MethodDelete, url, nil)
}

// do runs up to c.attempts transport calls. A 503 backs off
// 2^attempt seconds when attempts remain; a thrown error does the
// same. 403 notifies and returns immediately, since permission errors
// are not transient. Security violations are never retried.
func (c *Client) do(ctx context.Context, method, url string, body []byte) (*model.Response, error) {
	req := transport.Request{Method: method, URL: url, Body: body}
	if body != nil {
		req.Header = http.Header{"Content-Type": []string{"application/json"}}
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clk.After(delay):
			}
		}

		resp, err := c.transport.Do(ctx, req)
		if err != nil {
			var secErr *transport.SecurityError
			if errors.As(err, &secErr) {
				return nil, err
			}
			lastErr = err
			c.logger.Warn("request attempt failed",
				"method", method,
				"url", url,
				"attempt", attempt+1,
				"err", err,
			)
			continue
		}

		if resp.Status == http.StatusForbidden {
			c.notifier.Forbidden(url)
			return resp, nil
		}

		if resp.Status == http.StatusServiceUnavailable {
			c.logger.Warn("service unavailable, will retry",
				"method", method,
				"url", url,
				"attempt", attempt+1,
			)
			continue
		}

		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrAttemptsExhausted
}
