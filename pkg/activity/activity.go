// Package activity provides an append-only trail of cache and fetch decisions
// used to diagnose upstream reliability after the fact.
//
// Recording is best effort: a Log never reports write failures to its caller,
// so observability can not break the fetch path it observes.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type identifies which decision an event records.
type Type string

const (
	TypeCacheHit        Type = "cache_hit"
	TypeDataFetch       Type = "data_fetch"
	TypeCacheFallback   Type = "cache_fallback"
	TypeCacheWrite      Type = "cache_write"
	TypeCacheCleanup    Type = "cache_cleanup"
	TypeCacheInvalidate Type = "cache_invalidate"
)

// Status is the outcome or severity of an event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusInfo    Status = "info"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Event is one activity record.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"activity_type"`
	Source    string                 `json:"source"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Log records events and returns the most recent ones, newest first.
type Log interface {
	Record(ctx context.Context, ev Event)
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Sink receives a copy of every recorded event, e.g. for export.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// stamp fills in the ID and timestamp when the caller left them empty.
func stamp(ev Event, now time.Time) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
	return ev
}

// Tee records to a primary Log and forwards each event to its sinks.
type Tee struct {
	primary Log
	sinks   []Sink
	logger  zerolog.Logger
}

// NewTee wraps primary so that every event is also written to sinks.
func NewTee(primary Log, logger zerolog.Logger, sinks ...Sink) *Tee {
	return &Tee{
		primary: primary,
		sinks:   sinks,
		logger:  logger.With().Str("component", "ActivityTee").Logger(),
	}
}

// Record stamps the event, stores it in the primary log and forwards it.
// Sink failures are logged and dropped.
func (t *Tee) Record(ctx context.Context, ev Event) {
	ev = stamp(ev, time.Now())
	t.primary.Record(ctx, ev)
	for _, sink := range t.sinks {
		if err := sink.Write(ctx, ev); err != nil {
			t.logger.Warn().Err(err).Str("activity_type", string(ev.Type)).Msg("Failed to forward activity event.")
		}
	}
}

// Recent delegates to the primary log.
func (t *Tee) Recent(ctx context.Context, limit int) ([]Event, error) {
	return t.primary.Recent(ctx, limit)
}
