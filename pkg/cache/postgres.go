package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/freshness"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresConfig holds configuration for the Postgres backed store.
type PostgresConfig struct {
	DSN   string
	Table string
	// MaxOpenConns bounds the pool; zero keeps the database/sql default.
	MaxOpenConns int
}

const defaultPostgresTable = "indicator_cache"

// OpenPostgres opens a connection pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return db, nil
}

// PostgresStore is a Store backed by a single Postgres table keyed on cache_key.
type PostgresStore struct {
	db       *sql.DB
	table    string
	rawTable string
	logger   zerolog.Logger
	clock    Clock
}

// NewPostgresStore creates a PostgresStore on an existing pool. The pool's
// lifecycle is managed by the caller.
func NewPostgresStore(db *sql.DB, cfg *PostgresConfig, logger zerolog.Logger, opts ...Option) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("postgres db cannot be nil")
	}
	table := cfg.Table
	if table == "" {
		table = defaultPostgresTable
	}
	o := applyOptions(opts)
	return &PostgresStore{
		db:       db,
		table:    pq.QuoteIdentifier(table),
		rawTable: table,
		logger:   logger.With().Str("component", "PostgresStore").Str("table", table).Logger(),
		clock:    o.clock,
	}, nil
}

// EnsureSchema creates the cache table and its cleanup index if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			cache_key  TEXT PRIMARY KEY,
			source     TEXT NOT NULL,
			kind       TEXT NOT NULL DEFAULT '',
			payload    JSONB NOT NULL,
			metadata   JSONB,
			cached_at  TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (cached_at)`,
			pq.QuoteIdentifier(s.rawTable+"_cached_at_idx"), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("ensure schema", "", err)
		}
	}
	s.logger.Info().Msg("Cache table is ready.")
	return nil
}

// Get retrieves an entry and classifies it against the window.
func (s *PostgresStore) Get(ctx context.Context, key string, w freshness.Window) (*Lookup, error) {
	query := fmt.Sprintf(`SELECT source, kind, payload, metadata, cached_at, expires_at
		FROM %s WHERE cache_key = $1`, s.table)

	rec := record{Key: key}
	var payload, metadata []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Source, &rec.Kind, &payload, &metadata, &rec.CachedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to read cache row.")
		return nil, storageErr("get", key, err)
	}
	rec.Payload = payload
	if len(metadata) > 0 {
		rec.Metadata = metadata
	}
	l, err := rec.lookup(s.clock(), w)
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	return l, nil
}

// Set upserts the row for req.Key.
func (s *PostgresStore) Set(ctx context.Context, req SetRequest) error {
	rec, err := newRecord(req, s.clock())
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (cache_key, source, kind, payload, metadata, cached_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cache_key) DO UPDATE SET
			source = EXCLUDED.source,
			kind = EXCLUDED.kind,
			payload = EXCLUDED.payload,
			metadata = EXCLUDED.metadata,
			cached_at = EXCLUDED.cached_at,
			expires_at = EXCLUDED.expires_at`, s.table)

	var metadata interface{}
	if len(rec.Metadata) > 0 {
		metadata = string(rec.Metadata)
	}
	_, err = s.db.ExecContext(ctx, query,
		rec.Key, rec.Source, rec.Kind, string(rec.Payload), metadata, rec.CachedAt, rec.ExpiresAt,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("key", req.Key).Msg("Failed to upsert cache row.")
		return storageErr("set", req.Key, err)
	}
	return nil
}

// Invalidate deletes the row for key.
func (s *PostgresStore) Invalidate(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE cache_key = $1`, s.table), key)
	if err != nil {
		return false, storageErr("invalidate", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("invalidate", key, err)
	}
	return n > 0, nil
}

// Cleanup deletes every row cached before now-olderThan.
func (s *PostgresStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock().Add(-olderThan).UTC()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE cached_at < $1`, s.table), cutoff)
	if err != nil {
		return 0, storageErr("cleanup", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("cleanup", "", err)
	}
	s.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("Postgres cache cleanup finished.")
	return int(n), nil
}

// Stats aggregates the current contents in a single pass over the table.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	now := s.clock().UTC()
	query := fmt.Sprintf(`SELECT source, kind, count(*), count(*) FILTER (WHERE expires_at >= $1)
		FROM %s GROUP BY source, kind`, s.table)

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return Stats{}, storageErr("stats", "", err)
	}
	defer rows.Close()

	stats := newStats()
	for rows.Next() {
		var source, kind string
		var total, fresh int
		if err := rows.Scan(&source, &kind, &total, &fresh); err != nil {
			return Stats{}, storageErr("stats", "", err)
		}
		stats.Total += total
		stats.Fresh += fresh
		stats.BySource[source] += total
		stats.ByKind[kind] += total
	}
	if err := rows.Err(); err != nil {
		return Stats{}, storageErr("stats", "", err)
	}
	return stats, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
