// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject Fake() and drive time with Advance.
package clock

import "time"

// Clock is the subset of the time package used by this repo's
// backoff, cooldown, and reconnect logic.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d
	// elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f in its own goroutine. The
	// returned Timer can cancel the pending call with Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer represents a scheduled AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. Returns false if it already
// fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers ticks on C until stopped.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
