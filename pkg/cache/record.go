package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/freshness"
)

// record is the serialized form every backend persists. Field names follow
// the cache schema: cache_key, source, kind, payload, metadata, cached_at,
// expires_at.
type record struct {
	Key       string          `json:"cache_key"`
	Source    string          `json:"source"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func newRecord(req SetRequest, now time.Time) (record, error) {
	if req.Key == "" {
		return record{}, fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}
	if req.TTL <= 0 {
		return record{}, fmt.Errorf("%w: ttl must be positive for key '%s'", ErrInvalidEntry, req.Key)
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return record{}, fmt.Errorf("%w: failed to marshal payload for key '%s': %v", ErrInvalidEntry, req.Key, err)
	}
	var metadata json.RawMessage
	if len(req.Metadata) > 0 {
		metadata, err = json.Marshal(req.Metadata)
		if err != nil {
			return record{}, fmt.Errorf("%w: failed to marshal metadata for key '%s': %v", ErrInvalidEntry, req.Key, err)
		}
	}
	now = now.UTC()
	return record{
		Key:       req.Key,
		Source:    req.Source,
		Kind:      req.Kind,
		Payload:   payload,
		Metadata:  metadata,
		CachedAt:  now,
		ExpiresAt: now.Add(req.TTL),
	}, nil
}

// entry decodes the record into a caller-owned Entry.
func (r record) entry() (*Entry, error) {
	e := &Entry{
		Key:       r.Key,
		Source:    r.Source,
		Kind:      r.Kind,
		CachedAt:  r.CachedAt,
		ExpiresAt: r.ExpiresAt,
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return e, nil
}

// lookup classifies the record against the window. It returns nil for
// entries outside the window.
func (r record) lookup(now time.Time, w freshness.Window) (*Lookup, error) {
	state := freshness.Classify(r.CachedAt, now, w)
	if state == freshness.StateExpired {
		return nil, nil
	}
	e, err := r.entry()
	if err != nil {
		return nil, err
	}
	return &Lookup{Entry: *e, Fresh: state == freshness.StateFresh}, nil
}
