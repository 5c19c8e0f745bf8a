// cache/inmemory.go
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/freshness"
)

// InMemoryStore is a thread-safe, in-memory Store. Entries are kept in their
// serialized form so callers never share state with the store.
// It is primarily intended for local development and testing.
type InMemoryStore struct {
	mu    sync.RWMutex
	data  map[string]record
	clock Clock
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	o := applyOptions(opts)
	return &InMemoryStore{
		data:  make(map[string]record),
		clock: o.clock,
	}
}

// Get retrieves an entry and classifies it against the window.
func (s *InMemoryStore) Get(_ context.Context, key string, w freshness.Window) (*Lookup, error) {
	s.mu.RLock()
	rec, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	l, err := rec.lookup(s.clock(), w)
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	return l, nil
}

// Set replaces the entry for req.Key.
func (s *InMemoryStore) Set(_ context.Context, req SetRequest) error {
	rec, err := newRecord(req, s.clock())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[req.Key] = rec
	return nil
}

// Invalidate removes a key.
func (s *InMemoryStore) Invalidate(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

// Cleanup removes every entry cached before now-olderThan.
func (s *InMemoryStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, rec := range s.data {
		if rec.CachedAt.Before(cutoff) {
			delete(s.data, key)
			removed++
		}
	}
	return removed, nil
}

// Stats aggregates the current contents.
func (s *InMemoryStore) Stats(_ context.Context) (Stats, error) {
	now := s.clock()
	stats := newStats()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.data {
		stats.add(rec.Source, rec.Kind, rec.ExpiresAt, now)
	}
	return stats, nil
}

// Close is a no-op for the in-memory implementation.
func (s *InMemoryStore) Close() error {
	return nil
}
