// Package store provides the in-memory expiring key-value store that owns
// all per-chat state. Entries carry an individual TTL; a background sweeper
// marks entries expired and notifies subscribers, but never removes them.
// The consumer decides whether to refresh or remove an expired entry.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Set after the store has been closed.
	ErrClosed = errors.New("store: closed")
	// ErrEmptyKey is returned by Set when the key is empty.
	ErrEmptyKey = errors.New("store: empty key")
)

// NoExpiration disables expiration for an entry.
const NoExpiration time.Duration = 0

const (
	defaultCheckInterval = time.Minute
	expirationBuffer     = 64
)

// Expiration is the event emitted when an entry passes its deadline.
type Expiration struct {
	Key string
}

// entry is one stored value. Set always installs a fresh instance, so the
// pointer doubles as the instance token the sweeper checks against: an
// expiration is emitted only if the instance it observed is still the one
// in the map. A concurrent Set replaces the instance and wins the race.
type entry struct {
	value     any
	expiresAt time.Time // zero means never expires
	expired   bool
}

// ExpiringStore is a concurrency-safe map with per-entry TTL and an
// expiration event stream. Expiration marks an entry but does not remove
// it; for a given entry instance at most one event is ever emitted.
type ExpiringStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	subs    []chan Expiration
	closed  bool

	checkInterval time.Duration
	sweeping      atomic.Bool
	done          chan struct{}
	closeOnce     sync.Once
	logger        *slog.Logger
}

// NewExpiringStore creates a store whose sweeper fires every checkInterval.
// A non-positive interval falls back to one minute.
func NewExpiringStore(checkInterval time.Duration, logger *slog.Logger) *ExpiringStore {
	if checkInterval <= 0 {
		checkInterval = defaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &ExpiringStore{
		entries:       make(map[string]*entry),
		checkInterval: checkInterval,
		done:          make(chan struct{}),
		logger:        logger,
	}
	go s.sweepLoop()
	return s
}

// Set stores value under key with the given TTL, overwriting any prior
// entry. A TTL of NoExpiration (or any non-positive duration) means the
// entry never expires.
func (s *ExpiringStore) Set(key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

// Get returns the stored value. Expired entries are still returned; the
// expiration stream is the only place expiry is visible.
func (s *ExpiringStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// GetAs retrieves the value under key coerced to T. A value of a different
// type is a soft failure: it is logged and reported as absent.
func GetAs[T any](s *ExpiringStore, key string) (T, bool) {
	var zero T

	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		s.logger.Warn("store: value has unexpected type",
			"key", key,
			"type", fmt.Sprintf("%T", v),
		)
		return zero, false
	}
	return typed, true
}

// Remove deletes the entry under key. Removal never emits an expiration
// event. Returns whether an entry was present.
func (s *ExpiringStore) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Contains reports whether an entry exists under key, expired or not.
func (s *ExpiringStore) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Count returns the number of stored entries.
func (s *ExpiringStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns a snapshot of all keys.
func (s *ExpiringStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Clear removes all entries without emitting events.
func (s *ExpiringStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}

// Expirations registers a new subscriber and returns its event channel.
// Every subscriber receives every expiration event. The channel is closed
// when the store is closed. A subscriber that stops draining loses events
// once its buffer fills; it never blocks the sweeper.
func (s *ExpiringStore) Expirations() <-chan Expiration {
	ch := make(chan Expiration, expirationBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// Sweep runs one expiration pass. Overlapping calls are dropped, so the
// ticker and manual invocations from tests cannot run a sweep twice at
// the same time.
func (s *ExpiringStore) Sweep() {
	if !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer s.sweeping.Store(false)

	now := time.Now()

	// Snapshot candidates under the read lock.
	type candidate struct {
		key string
		e   *entry
	}
	var candidates []candidate
	s.mu.RLock()
	for k, e := range s.entries {
		if !e.expired && !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			candidates = append(candidates, candidate{key: k, e: e})
		}
	}
	s.mu.RUnlock()

	for _, c := range candidates {
		s.mu.Lock()
		cur, ok := s.entries[c.key]
		// Mark only if the instance we observed is still installed. A Set
		// that raced with this sweep replaced the instance and wins.
		fire := ok && cur == c.e && !cur.expired
		if fire {
			cur.expired = true
		}
		s.mu.Unlock()

		if fire {
			s.notify(c.key)
		}
	}
}

// Close stops the sweeper, closes all expiration channels, and clears the
// entries. Set fails with ErrClosed afterwards; Get and Remove report
// absence silently.
func (s *ExpiringStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.closed = true
		s.entries = make(map[string]*entry)
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()

		for _, ch := range subs {
			close(ch)
		}
	})
}

func (s *ExpiringStore) sweepLoop() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *ExpiringStore) notify(key string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- Expiration{Key: key}:
		default:
			s.logger.Warn("store: expiration subscriber full, dropping event", "key", key)
		}
	}
}
