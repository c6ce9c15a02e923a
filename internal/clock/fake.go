package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests. Timers, tickers, and
// sleeps register waiters that fire when Advance moves the clock past
// their deadline. AfterFunc callbacks run synchronously during Advance
// in deadline order; do not call Advance from inside a callback.
//
// Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time // nil for AfterFunc waiters
	callback func()         // nil for channel waiters
	interval time.Duration  // non-zero for tickers
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{deadline: c.current.Add(d), channel: ch})
	return ch
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	w := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

// NewTicker returns a ticker that fires on each Advance past its
// recurring deadline.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	ch := make(chan time.Time, 1)
	w := &fakeWaiter{deadline: c.current.Add(d), channel: ch, interval: d}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Ticker{C: ch, stopFunc: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		w.stopped = true
	}}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the window, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.nextWaiterLocked(target)
		if next == nil {
			break
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}

		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
			select {
			case next.channel <- c.current:
			default: // consumer behind, drop the tick
			}
			continue
		}

		next.fired = true
		if next.channel != nil {
			next.channel <- c.current
			continue
		}
		// Run AfterFunc callbacks without the lock so they can
		// schedule new timers.
		cb := next.callback
		c.mu.Unlock()
		cb()
		c.mu.Lock()
	}

	c.current = target
	c.compactLocked()
	c.mu.Unlock()
}

// nextWaiterLocked returns the live waiter with the earliest deadline
// at or before target, or nil.
func (c *FakeClock) nextWaiterLocked(target time.Time) *fakeWaiter {
	live := c.waiters[:0:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })
	if len(live) == 0 || live[0].deadline.After(target) {
		return nil
	}
	return live[0]
}

func (c *FakeClock) compactLocked() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	c.waiters = live
}

// PendingWaiters returns the number of live timers, tickers, and
// sleeps. Used by tests to assert that no reconnect is scheduled.
func (c *FakeClock) PendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}
