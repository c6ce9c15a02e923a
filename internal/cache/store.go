// Package cache implements the edge response cache: a namespaced
// in-memory store of complete upstream responses keyed by request
// identity. Entries age out of a freshness window into a
// stale-but-servable window and are then dropped; there is no
// explicit invalidation.
package cache

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"edgegate/internal/clock"
	"edgegate/internal/metrics"
)

// State classifies a lookup result.
type State int

const (
	// Miss means no servable entry exists.
	Miss State = iota
	// Fresh means the entry is inside its freshness window.
	Fresh
	// Stale means the entry is past fresh but inside the
	// stale-while-revalidate window; servable, but the caller should
	// refresh it in the background.
	Stale
)

// Entry is one cached response.
type Entry struct {
	Status int
	Header http.Header
	Body   []byte

	StoredAt time.Time
	FreshFor time.Duration
	StaleFor time.Duration
}

// state classifies the entry at time now.
func (e *Entry) state(now time.Time) State {
	age := now.Sub(e.StoredAt)
	switch {
	case age < e.FreshFor:
		return Fresh
	case age < e.FreshFor+e.StaleFor:
		return Stale
	default:
		return Miss
	}
}

// Key identifies a cached response: method, absolute target URL, and
// the normalized Accept header. Two requests differing only in other
// headers share an entry; eligibility rules upstream guarantee no
// credentialed request ever reaches the cache.
func Key(method, targetURL, accept string) string {
	return method + " " + targetURL + " " + NormalizeAccept(accept)
}

// NormalizeAccept collapses an Accept header to its first media range,
// lowercased, ignoring parameters. An empty or wildcard Accept
// normalizes to "*/*".
func NormalizeAccept(accept string) string {
	accept = strings.TrimSpace(accept)
	if accept == "" {
		return "*/*"
	}
	if i := strings.IndexAny(accept, ",;"); i >= 0 {
		accept = accept[:i]
	}
	return strings.ToLower(strings.TrimSpace(accept))
}

// Store is an in-memory response cache. Concurrent writers for the
// same key may race; entries are idempotent re-derivations of the same
// upstream response, so last write wins.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	clk     clock.Clock
	metrics *metrics.Metrics // optional
}

// NewStore creates an empty Store. The metrics parameter is optional;
// pass nil to disable cache metrics recording.
func NewStore(clk clock.Clock, m *metrics.Metrics) *Store {
	return &Store{
		entries: make(map[string]*Entry),
		clk:     clk,
		metrics: m,
	}
}

// Get returns the entry for key and its state. Entries past both
// windows are dropped lazily and reported as a miss. The caller must
// not mutate the returned entry.
func (s *Store) Get(key string) (*Entry, State) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.record(metrics.CacheMiss)
		return nil, Miss
	}

	switch e.state(s.clk.Now()) {
	case Fresh:
		s.record(metrics.CacheHit)
		return e, Fresh
	case Stale:
		s.record(metrics.CacheStale)
		return e, Stale
	default:
		s.mu.Lock()
		// Re-check under the write lock: a concurrent Put may have
		// replaced the expired entry.
		if cur, ok := s.entries[key]; ok && cur == e {
			delete(s.entries, key)
			s.record(metrics.CacheEvict)
		}
		s.mu.Unlock()
		s.record(metrics.CacheMiss)
		return nil, Miss
	}
}

// Put stores a response under key, replacing any existing entry.
func (s *Store) Put(key string, e *Entry) {
	if e.StoredAt.IsZero() {
		e.StoredAt = s.clk.Now()
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	s.record(metrics.CacheStore)
}

// Len returns the number of stored entries, including expired ones not
// yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes entries past both windows and returns the count removed.
func (s *Store) Sweep() int {
	now := s.clk.Now()
	removed := 0

	s.mu.Lock()
	for k, e := range s.entries {
		if e.state(now) == Miss {
			delete(s.entries, k)
			removed++
		}
	}
	s.mu.Unlock()

	for i := 0; i < removed; i++ {
		s.record(metrics.CacheEvict)
	}
	return removed
}

// Janitor sweeps the store on the given interval until stop is closed.
// Run it in its own goroutine.
func (s *Store) Janitor(interval time.Duration, stop <-chan struct{}) {
	ticker := s.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) record(result string) {
	if s.metrics != nil {
		s.metrics.CacheEvents.WithLabelValues(result).Inc()
	}
}
