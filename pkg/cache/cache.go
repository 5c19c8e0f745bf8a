package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/freshness"
)

// Payload is the opaque, JSON-serializable value held by a cache entry.
type Payload map[string]interface{}

// Entry is a copy of one persisted cache entry.
type Entry struct {
	Key       string                 `json:"cache_key"`
	Payload   Payload                `json:"payload"`
	Source    string                 `json:"source"`
	Kind      string                 `json:"kind"`
	CachedAt  time.Time              `json:"cached_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Lookup is the result of a successful Get.
type Lookup struct {
	Entry
	Fresh bool `json:"is_fresh"`
}

// SetRequest describes a write. ExpiresAt is always derived from TTL by the store.
type SetRequest struct {
	Key      string
	Payload  Payload
	Source   string
	Kind     string
	TTL      time.Duration
	Metadata map[string]interface{}
}

// Stats is a point-in-time aggregate of a store's contents.
type Stats struct {
	Total    int            `json:"total"`
	Fresh    int            `json:"fresh_count"`
	BySource map[string]int `json:"by_source"`
	ByKind   map[string]int `json:"by_kind"`
}

// Store is durable key/value storage of cached payloads with freshness metadata.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key classified against the window, or nil when
	// there is no entry or it falls outside the window.
	Get(ctx context.Context, key string, w freshness.Window) (*Lookup, error)
	// Set upserts the entry for req.Key, replacing any previous value.
	Set(ctx context.Context, req SetRequest) error
	// Invalidate removes the entry for key and reports whether one existed.
	Invalidate(ctx context.Context, key string) (bool, error)
	// Cleanup removes entries cached more than olderThan ago.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
	// Stats aggregates the current contents.
	Stats(ctx context.Context) (Stats, error)
	io.Closer
}

// ErrStorage matches every StorageError via errors.Is.
var ErrStorage = errors.New("cache storage failure")

// ErrInvalidEntry is returned by Set for requests that cannot be stored.
var ErrInvalidEntry = errors.New("invalid cache entry")

// StorageError reports an I/O failure of the underlying storage layer.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s for key '%s': %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) true for any StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}

// Clock returns the current time.
type Clock func() time.Time

type storeOptions struct {
	clock Clock
}

// Option configures a store.
type Option func(*storeOptions)

// WithClock overrides the time source, mostly for tests.
func WithClock(c Clock) Option {
	return func(o *storeOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newStats() Stats {
	return Stats{BySource: make(map[string]int), ByKind: make(map[string]int)}
}

func (s *Stats) add(source, kind string, expiresAt, now time.Time) {
	s.Total++
	if !now.After(expiresAt) {
		s.Fresh++
	}
	s.BySource[source]++
	s.ByKind[kind]++
}
