// Package memory provides an in-memory KeyValueStore for development and
// tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edgefetch/edgefetch/internal/relay"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// KV implements relay.KeyValueStore with a mutex-guarded map. Expired
// entries are dropped lazily on read and list.
type KV struct {
	mu    sync.RWMutex
	data  map[string]entry
	clock relay.Clock
}

// NewKV constructs a KV. clock may be nil, in which case the wall clock is
// used.
func NewKV(clock relay.Clock) *KV {
	return &KV{
		data:  make(map[string]entry),
		clock: clock,
	}
}

// Get returns the value for key, reporting found=false for missing or
// expired keys.
func (s *KV) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := s.now()

	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have renewed it.
		if cur, still := s.data[key]; still && !cur.expiresAt.IsZero() && !cur.expiresAt.After(now) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Put stores value under key. ttl <= 0 means no expiry.
func (s *KV) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.data[key] = entry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// List returns up to limit live keys with the given prefix, lexicographically
// ordered, starting after cursor. An empty cursor starts from the beginning.
func (s *KV) List(_ context.Context, prefix string, cursor string, limit int) (relay.KeyPage, error) {
	if limit <= 0 {
		limit = 1000
	}
	now := s.now()

	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for key, e := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			continue
		}
		if cursor != "" && key <= cursor {
			continue
		}
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	page := relay.KeyPage{Complete: true}
	if len(keys) > limit {
		keys = keys[:limit]
		page.Cursor = keys[len(keys)-1]
		page.Complete = false
	}
	page.Keys = keys
	return page, nil
}

func (s *KV) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}
