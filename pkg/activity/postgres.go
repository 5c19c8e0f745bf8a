package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const defaultPostgresTable = "cache_activity_log"

// PostgresLog persists events to a Postgres table so the trail survives restarts.
type PostgresLog struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger
}

// NewPostgresLog creates a PostgresLog on an existing pool. An empty table
// name selects the default.
func NewPostgresLog(db *sql.DB, table string, logger zerolog.Logger) (*PostgresLog, error) {
	if db == nil {
		return nil, errors.New("postgres db cannot be nil")
	}
	if table == "" {
		table = defaultPostgresTable
	}
	return &PostgresLog{
		db:     db,
		table:  pq.QuoteIdentifier(table),
		logger: logger.With().Str("component", "PostgresActivityLog").Str("table", table).Logger(),
	}, nil
}

// EnsureSchema creates the activity table if missing.
func (l *PostgresLog) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id            TEXT PRIMARY KEY,
		activity_type TEXT NOT NULL,
		source        TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		message       TEXT NOT NULL DEFAULT '',
		metadata      JSONB,
		created_at    TIMESTAMPTZ NOT NULL
	)`, l.table)
	if _, err := l.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create activity table: %w", err)
	}
	return nil
}

// Record inserts the event. Failures are logged, never returned.
func (l *PostgresLog) Record(ctx context.Context, ev Event) {
	ev = stamp(ev, time.Now())

	var metadata interface{}
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			l.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("Dropping unencodable activity metadata.")
		} else {
			metadata = string(raw)
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, activity_type, source, status, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`, l.table)
	_, err := l.db.ExecContext(ctx, query,
		ev.ID, string(ev.Type), ev.Source, string(ev.Status), ev.Message, metadata, ev.Timestamp)
	if err != nil {
		l.logger.Error().Err(err).Str("activity_type", string(ev.Type)).Msg("Failed to record activity event.")
	}
}

// Recent returns up to limit events, newest first.
func (l *PostgresLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultMemoryCapacity
	}
	query := fmt.Sprintf(`SELECT id, activity_type, source, status, message, metadata, created_at
		FROM %s ORDER BY created_at DESC LIMIT $1`, l.table)
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity log: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var typ, status string
		var metadata []byte
		if err := rows.Scan(&ev.ID, &typ, &ev.Source, &status, &ev.Message, &metadata, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		ev.Type = Type(typ)
		ev.Status = Status(status)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				l.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("Ignoring malformed activity metadata.")
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activity rows: %w", err)
	}
	return events, nil
}
