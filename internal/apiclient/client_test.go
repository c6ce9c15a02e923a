package apiclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"edgegate/internal/clock"
	"edgegate/internal/model"
	"edgegate/internal/notify"
	"edgegate/internal/transport"
)

// scriptedDoer returns the scripted outcomes in order.
type scriptedDoer struct {
	calls     int
	responses []*model.Response
	errs      []error
}

func (d *scriptedDoer) Do(context.Context, transport.Request) (*model.Response, error) {
	i := d.calls
	d.calls++
	if i >= len(d.responses) {
		i = len(d.responses) - 1
	}
	return d.responses[i], d.errs[i]
}

// recordingClock captures backoff delays and never blocks.
type recordingClock struct {
	delays []time.Duration
}

func (c *recordingClock) Now() time.Time { return time.Time{} }

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.delays = append(c.delays, d)
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (c *recordingClock) AfterFunc(time.Duration, func()) *clock.Timer { return nil }

func (c *recordingClock) NewTicker(time.Duration) *clock.Ticker { return nil }

func newTestClient(d *scriptedDoer, clk clock.Clock, rec *notify.Recorder, opts ...Option) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(d, rec, clk, logger, opts...)
}

func ok() *model.Response {
	return &model.Response{Status: http.StatusOK, Body: []byte(`{"ok":true}`)}
}

func status(code int) *model.Response {
	return &model.Response{Status: code}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	doer := &scriptedDoer{responses: []*model.Response{ok()}, errs: []error{nil}}
	clk := &recordingClock{}

	resp, err := newTestClient(doer, clk, &notify.Recorder{}).Get(context.Background(), "http://gw/api/jobs")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	if doer.calls != 1 {
		t.Errorf("transport calls = %d, want 1", doer.calls)
	}
	if len(clk.delays) != 0 {
		t.Errorf("delays = %v, want none", clk.delays)
	}
}

func TestDo_RetriesOn503WithExponentialBackoff(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*model.Response{status(http.StatusServiceUnavailable), status(http.StatusServiceUnavailable), ok()},
		errs:      []error{nil, nil, nil},
	}
	clk := &recordingClock{}

	resp, err := newTestClient(doer, clk, &notify.Recorder{}).Get(context.Background(), "http://gw/api/jobs")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	if doer.calls != 3 {
		t.Errorf("transport calls = %d, want 3", doer.calls)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(clk.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", clk.delays, want)
	}
	for i := range want {
		if clk.delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, clk.delays[i], want[i])
		}
	}
}

func TestDo_ExhaustedReturnsSentinel(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*model.Response{status(http.StatusServiceUnavailable)},
		errs:      []error{nil},
	}
	clk := &recordingClock{}

	_, err := newTestClient(doer, clk, &notify.Recorder{}).Get(context.Background(), "http://gw/api/jobs")
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrAttemptsExhausted", err)
	}
	if doer.calls != DefaultAttempts {
		t.Errorf("transport calls = %d, want %d", doer.calls, DefaultAttempts)
	}
}

func TestDo_ExhaustedReturnsLastThrownError(t *testing.T) {
	thrown := errors.New("connection reset")
	doer := &scriptedDoer{
		responses: []*model.Response{nil},
		errs:      []error{thrown},
	}
	clk := &recordingClock{}

	_, err := newTestClient(doer, clk, &notify.Recorder{}).Get(context.Background(), "http://gw/api/jobs")
	if !errors.Is(err, thrown) {
		t.Fatalf("err = %v, want the last transport error", err)
	}
}

func TestDo_ForbiddenReturnsImmediately(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*model.Response{status(http.StatusForbidden)},
		errs:      []error{nil},
	}
	clk := &recordingClock{}
	recorder := &notify.Recorder{}

	resp, err := newTestClient(doer, clk, recorder).Get(context.Background(), "http://gw/api/admin")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusForbidden {
		t.Errorf("status = %d, want the 403 surfaced", resp.Status)
	}
	if doer.calls != 1 {
		t.Errorf("transport calls = %d, want 1 (no retry on 403)", doer.calls)
	}
	if len(recorder.Forbiddens) != 1 || recorder.Forbiddens[0] != "http://gw/api/admin" {
		t.Errorf("forbidden signals = %v", recorder.Forbiddens)
	}
}

func TestDo_SecurityErrorNeverRetried(t *testing.T) {
	secErr := &transport.SecurityError{Field: "tenant_id", Got: "globex", Want: "acme"}
	doer := &scriptedDoer{
		responses: []*model.Response{nil},
		errs:      []error{secErr},
	}
	clk := &recordingClock{}

	_, err := newTestClient(doer, clk, &notify.Recorder{}).Get(context.Background(), "http://gw/api/jobs")
	var got *transport.SecurityError
	if !errors.As(err, &got) {
		t.Fatalf("err = %v, want *SecurityError", err)
	}
	if doer.calls != 1 {
		t.Errorf("transport calls = %d, want 1", doer.calls)
	}
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*model.Response{status(http.StatusUnprocessableEntity)},
		errs:      []error{nil},
	}
	clk := &recordingClock{}

	resp, err := newTestClient(doer, clk, &notify.Recorder{}).Post(context.Background(), "http://gw/api/jobs", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", resp.Status)
	}
	if doer.calls != 1 {
		t.Errorf("transport calls = %d, want 1 (4xx is not transient)", doer.calls)
	}
}

func TestDo_ContextCancelStopsRetry(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*model.Response{status(http.StatusServiceUnavailable)},
		errs:      []error{nil},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The canceled context wins the select before the backoff fires.
	clk := clock.Fake(time.Unix(1000, 0))
	blocked := &blockingClock{FakeClock: clk}

	_, err := newTestClient(doer, blocked, &notify.Recorder{}).Get(ctx, "http://gw/api/jobs")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if doer.calls != 1 {
		t.Errorf("transport calls = %d, want 1", doer.calls)
	}
}

// blockingClock hands out channels that never fire.
type blockingClock struct {
	*clock.FakeClock
}

func (c *blockingClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func TestDo_WithAttempts(t *testing.T) {
	doer := &scriptedDoer{
		responses: []*model.Response{status(http.StatusServiceUnavailable)},
		errs:      []error{nil},
	}
	clk := &recordingClock{}

	_, err := newTestClient(doer, clk, &notify.Recorder{}, WithAttempts(5)).Get(context.Background(), "http://gw/api/jobs")
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatal(err)
	}
	if doer.calls != 5 {
		t.Errorf("transport calls = %d, want 5", doer.calls)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(clk.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", clk.delays, want)
	}
}
