// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLStore is a generic in-memory store whose entries expire after a fixed
// retention. A background sweep drops expired entries; reads never return them.
type TTLStore[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*entry[V]
	ttl     time.Duration
	now     func() time.Time
	onEvict func(key K, value V)

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a TTLStore
type Option[K comparable, V any] func(*TTLStore[K, V])

// WithClock replaces time.Now, for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(s *TTLStore[K, V]) { s.now = now }
}

// WithEvict sets a callback run for entries removed by the sweep (not by Delete).
func WithEvict[K comparable, V any](fn func(key K, value V)) Option[K, V] {
	return func(s *TTLStore[K, V]) { s.onEvict = fn }
}

// NewTTLStore creates a store retaining entries for ttl. When sweepInterval
// is positive a goroutine removes expired entries on that cadence until Close.
func NewTTLStore[K comparable, V any](ttl, sweepInterval time.Duration, opts ...Option[K, V]) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:  make(map[K]*entry[V]),
		ttl:    ttl,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// Put stores value under key using the store's retention
func (s *TTLStore[K, V]) Put(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry[V]{value: value, expiresAt: s.now().Add(s.ttl)}
}

// Get returns the value and true if present and not expired
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[key]
	if !ok || !s.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes a key, reporting whether it was present
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		return true
	}
	return false
}

// Len returns the number of non-expired items
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, e := range s.items {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Close stops the sweep goroutine and clears the store. Safe to call twice.
func (s *TTLStore[K, V]) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		s.items = make(map[K]*entry[V])
		s.mu.Unlock()
	})
}

func (s *TTLStore[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep removes expired entries now and returns how many were dropped
func (s *TTLStore[K, V]) Sweep() int {
	type kv struct {
		key   K
		value V
	}

	s.mu.Lock()
	now := s.now()
	var expired []kv
	for key, e := range s.items {
		if !now.Before(e.expiresAt) {
			expired = append(expired, kv{key, e.value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	// callbacks run unlocked so they may touch the store
	if onEvict != nil {
		for _, e := range expired {
			onEvict(e.key, e.value)
		}
	}
	return len(expired)
}
