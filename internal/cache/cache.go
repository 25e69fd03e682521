// Package cache is a small in-process TTL cache with stale-while-revalidate
// reads and single-flight refresh. Entries are partitioned by key, so there is
// no cross-key contention beyond the map lock.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry pairs a value with its freshness horizon. A stale entry is still
// served opportunistically while a refresh is in flight.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its freshness horizon.
func (e Entry[V]) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Store is a TTL cache keyed by K.
type Store[K comparable, V any] struct {
	ttl time.Duration

	// Now is swappable for tests.
	Now func() time.Time

	mu       sync.Mutex
	entries  map[K]Entry[V]
	inflight map[K]*flight[V]
}

// New returns an empty store whose entries live for ttl.
func New[K comparable, V any](ttl time.Duration) *Store[K, V] {
	return &Store[K, V]{
		ttl:      ttl,
		Now:      time.Now,
		entries:  make(map[K]Entry[V]),
		inflight: make(map[K]*flight[V]),
	}
}

// Get returns the value for k only if it is still fresh.
func (s *Store[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok || e.Expired(s.Now()) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Peek returns the entry for k even if expired.
func (s *Store[K, V]) Peek(k K) (Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	return e, ok
}

// Set stores v under k with the store's TTL.
func (s *Store[K, V]) Set(k K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[k] = Entry[V]{Value: v, ExpiresAt: s.Now().Add(s.ttl)}
}

// SetEntry stores a pre-built entry, keeping its own expiry.
func (s *Store[K, V]) SetEntry(k K, e Entry[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[k] = e
}

// Invalidate drops the entry for k.
func (s *Store[K, V]) Invalidate(k K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, k)
}

// Len reports how many entries are stored, fresh or not.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// GetOrRefresh implements stale-while-revalidate with single-flight:
//
//   - fresh entry: returned as-is, stale=false.
//   - stale entry: returned immediately with stale=true while exactly one
//     background refresh runs; concurrent callers never start duplicates.
//   - no entry: callers join a single flight and wait for its result.
//
// A refresh returning an error keeps the previous entry.
func (s *Store[K, V]) GetOrRefresh(ctx context.Context, k K, refresh func(context.Context) (V, error)) (V, bool, error) {
	s.mu.Lock()
	now := s.Now()
	e, ok := s.entries[k]
	if ok && !e.Expired(now) {
		s.mu.Unlock()
		return e.Value, false, nil
	}
	fl, running := s.inflight[k]
	if !running {
		fl = &flight[V]{done: make(chan struct{})}
		s.inflight[k] = fl
		// Detach from the caller's lifetime: a page navigation cancelling one
		// caller must not kill the refresh other callers are waiting on.
		go s.runFlight(context.WithoutCancel(ctx), k, fl, refresh)
	}
	if ok {
		// Serve stale while the flight completes.
		s.mu.Unlock()
		return e.Value, true, nil
	}
	s.mu.Unlock()

	select {
	case <-fl.done:
		return fl.val, false, fl.err
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	}
}

func (s *Store[K, V]) runFlight(ctx context.Context, k K, fl *flight[V], refresh func(context.Context) (V, error)) {
	val, err := refresh(ctx)
	s.mu.Lock()
	delete(s.inflight, k)
	if err == nil {
		s.entries[k] = Entry[V]{Value: val, ExpiresAt: s.Now().Add(s.ttl)}
	}
	s.mu.Unlock()
	fl.val = val
	fl.err = err
	close(fl.done)
}
