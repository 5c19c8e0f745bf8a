// Package config loads the service configuration from YAML. Durations are
// written in the units operators think in (hours, days, seconds) and
// converted to time.Duration once, here.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/activity"
	"github.com/illmade-knight/go-indicatorcache/pkg/cache"
	"github.com/illmade-knight/go-indicatorcache/pkg/freshness"
	"github.com/illmade-knight/go-indicatorcache/pkg/microservice"
	"github.com/illmade-knight/go-indicatorcache/pkg/retry"
	"github.com/illmade-knight/go-indicatorcache/pkg/upstream"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
)

// Activity export targets.
const (
	ExportBigQuery = "bigquery"
	ExportPubSub   = "pubsub"
	ExportGCS      = "gcs"
)

// Config is the root configuration document.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	Store        StoreConfig             `yaml:"store"`
	Activity     ActivityConfig          `yaml:"activity"`
	Freshness    FreshnessConfig         `yaml:"freshness"`
	Retry        RetryConfig             `yaml:"retry"`
	SingleFlight bool                    `yaml:"single_flight"`
	Cleanup      CleanupConfig           `yaml:"cleanup"`
	Sources      map[string]SourceConfig `yaml:"sources"`
}

// StoreConfig selects and configures the cache backend.
type StoreConfig struct {
	Backend   string          `yaml:"backend"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Postgres  PostgresConfig  `yaml:"postgres"`
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// FirestoreConfig configures the Firestore cache backend.
type FirestoreConfig struct {
	CollectionName string `yaml:"collection_name"`
}

// PostgresConfig is shared by the Postgres cache store and activity log.
type PostgresConfig struct {
	DSN           string `yaml:"dsn"`
	Table         string `yaml:"table"`
	ActivityTable string `yaml:"activity_table"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
}

// ActivityConfig selects where activity events are kept and exported.
type ActivityConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string `yaml:"backend"`
	Capacity int    `yaml:"capacity"`
	// Export lists additional sinks: "bigquery", "pubsub", "gcs".
	Export   []string       `yaml:"export"`
	BigQuery BigQueryConfig `yaml:"bigquery"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	GCS      GCSConfig      `yaml:"gcs"`
}

// BigQueryConfig configures activity export to BigQuery.
type BigQueryConfig struct {
	DatasetID            string `yaml:"dataset_id"`
	TableID              string `yaml:"table_id"`
	BatchSize            int    `yaml:"batch_size"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
}

// PubSubConfig configures activity export to Pub/Sub.
type PubSubConfig struct {
	TopicID string `yaml:"topic_id"`
}

// GCSConfig configures archival of activity batches to Cloud Storage. The
// batch size and flush interval of the bigquery section apply here too.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// FreshnessConfig holds the process-wide freshness defaults.
type FreshnessConfig struct {
	DefaultTTLHours    float64 `yaml:"default_ttl_hours"`
	AllowStaleFallback bool    `yaml:"allow_stale_fallback"`
	MaxStaleAgeDays    float64 `yaml:"max_stale_age_days"`
}

// RetryConfig holds the upstream retry parameters.
type RetryConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	BaseBackoffSeconds float64 `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds  float64 `yaml:"max_backoff_seconds"`
}

// CleanupConfig schedules removal of old entries.
type CleanupConfig struct {
	Schedule      string  `yaml:"schedule"`
	RetentionDays float64 `yaml:"retention_days"`
}

// SourceConfig is the per-source configuration. Unset fields inherit the
// process-wide defaults.
type SourceConfig struct {
	TTLHours           float64 `yaml:"ttl_hours"`
	AllowStaleFallback *bool   `yaml:"allow_stale_fallback"`
	Kind               string  `yaml:"kind"`
	// URL and RefreshSchedule enable scheduled warm-up through the generic
	// HTTP connector.
	URL             string     `yaml:"url"`
	RefreshSchedule string     `yaml:"refresh_schedule"`
	UserAgent       string     `yaml:"user_agent"`
	TimeoutSeconds  float64    `yaml:"timeout_seconds"`
	Auth            AuthConfig `yaml:"auth"`
}

// AuthConfig enables OAuth2 client credentials for a source.
type AuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	cfg := &Config{
		BaseConfig: microservice.BaseConfig{
			LogLevel:    "info",
			HTTPPort:    ":8080",
			ServiceName: "indicatorcache",
		},
		Freshness: FreshnessConfig{
			DefaultTTLHours:    1,
			AllowStaleFallback: true,
			MaxStaleAgeDays:    7,
		},
		Retry: RetryConfig{
			MaxAttempts:        3,
			BaseBackoffSeconds: 2,
			MaxBackoffSeconds:  60,
		},
		Cleanup: CleanupConfig{
			Schedule:      "@daily",
			RetentionDays: 30,
		},
	}
	cfg.Store.Backend = BackendMemory
	cfg.Store.Redis.Addr = "localhost:6379"
	cfg.Store.Redis.KeyPrefix = "indicatorcache"
	cfg.Store.Firestore.CollectionName = "indicator_cache"
	cfg.Store.Postgres.Table = "indicator_cache"
	cfg.Store.Postgres.ActivityTable = "cache_activity_log"
	cfg.Activity.Backend = BackendMemory
	cfg.Activity.Capacity = 1000
	cfg.Activity.BigQuery.BatchSize = 50
	cfg.Activity.BigQuery.FlushIntervalSeconds = 5
	return cfg
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// fields are rejected.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	case BackendFirestore:
		if c.ProjectID == "" {
			errs = append(errs, errors.New("project_id is required for the firestore backend"))
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}

	switch c.Activity.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres activity backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("activity.backend: unknown backend %q", c.Activity.Backend))
	}
	for _, target := range c.Activity.Export {
		switch target {
		case ExportBigQuery:
			if c.ProjectID == "" || c.Activity.BigQuery.DatasetID == "" || c.Activity.BigQuery.TableID == "" {
				errs = append(errs, errors.New("bigquery export needs project_id, activity.bigquery.dataset_id and table_id"))
			}
		case ExportPubSub:
			if c.ProjectID == "" || c.Activity.PubSub.TopicID == "" {
				errs = append(errs, errors.New("pubsub export needs project_id and activity.pubsub.topic_id"))
			}
		case ExportGCS:
			if c.Activity.GCS.Bucket == "" {
				errs = append(errs, errors.New("gcs export needs activity.gcs.bucket"))
			}
		default:
			errs = append(errs, fmt.Errorf("activity.export: unknown target %q", target))
		}
	}

	if c.Freshness.DefaultTTLHours <= 0 {
		errs = append(errs, errors.New("freshness.default_ttl_hours must be positive"))
	}
	if c.Freshness.MaxStaleAgeDays*24 < c.Freshness.DefaultTTLHours {
		errs = append(errs, errors.New("freshness.max_stale_age_days must cover default_ttl_hours"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.BaseBackoffSeconds < 0 {
		errs = append(errs, errors.New("retry.base_backoff_seconds cannot be negative"))
	}
	if c.Cleanup.Schedule != "" && c.Cleanup.RetentionDays <= 0 {
		errs = append(errs, errors.New("cleanup.retention_days must be positive when a schedule is set"))
	}

	for name, src := range c.Sources {
		if src.TTLHours < 0 {
			errs = append(errs, fmt.Errorf("sources.%s.ttl_hours cannot be negative", name))
		}
		if src.TTLHours > c.Freshness.MaxStaleAgeDays*24 {
			errs = append(errs, fmt.Errorf("sources.%s.ttl_hours exceeds max_stale_age_days", name))
		}
		if src.RefreshSchedule != "" && src.URL == "" {
			errs = append(errs, fmt.Errorf("sources.%s.refresh_schedule requires a url", name))
		}
		if src.Auth.TokenURL != "" && src.Auth.ClientID == "" {
			errs = append(errs, fmt.Errorf("sources.%s.auth.client_id is required with a token_url", name))
		}
	}
	return errors.Join(errs...)
}

// Level returns the configured zerolog level.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// Registry builds the freshness registry from the defaults and per-source
// overrides.
func (c *Config) Registry() (*freshness.Registry, error) {
	def := freshness.Policy{
		TTL:                hours(c.Freshness.DefaultTTLHours),
		AllowStaleFallback: c.Freshness.AllowStaleFallback,
		MaxStaleAge:        days(c.Freshness.MaxStaleAgeDays),
	}
	sources := make(map[string]freshness.Policy, len(c.Sources))
	for name, src := range c.Sources {
		p := def
		if src.TTLHours > 0 {
			p.TTL = hours(src.TTLHours)
		}
		if src.AllowStaleFallback != nil {
			p.AllowStaleFallback = *src.AllowStaleFallback
		}
		sources[name] = p
	}
	return freshness.NewRegistry(def, sources)
}

// Executor builds the retry executor.
func (c *Config) Executor(logger zerolog.Logger) (*retry.Executor, error) {
	return retry.NewExecutor(retry.Config{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseBackoff: c.Retry.BaseBackoffSeconds,
		MaxBackoff:  seconds(c.Retry.MaxBackoffSeconds),
	}, logger)
}

// RetentionPeriod is the cleanup cutoff age.
func (c *Config) RetentionPeriod() time.Duration {
	return days(c.Cleanup.RetentionDays)
}

// RedisStoreConfig maps the redis section onto the store configuration.
func (c *Config) RedisStoreConfig() *cache.RedisConfig {
	r := c.Store.Redis
	return &cache.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB, KeyPrefix: r.KeyPrefix}
}

// FirestoreStoreConfig maps the firestore section onto the store configuration.
func (c *Config) FirestoreStoreConfig() *cache.FirestoreConfig {
	return &cache.FirestoreConfig{ProjectID: c.ProjectID, CollectionName: c.Store.Firestore.CollectionName}
}

// PostgresStoreConfig maps the postgres section onto the store configuration.
func (c *Config) PostgresStoreConfig() *cache.PostgresConfig {
	p := c.Store.Postgres
	return &cache.PostgresConfig{DSN: p.DSN, Table: p.Table, MaxOpenConns: p.MaxOpenConns}
}

// BatchSinkConfig maps the bigquery section onto the batching sinks.
func (c *Config) BatchSinkConfig() activity.BatchSinkConfig {
	return activity.BatchSinkConfig{
		BatchSize:     c.Activity.BigQuery.BatchSize,
		FlushInterval: seconds(float64(c.Activity.BigQuery.FlushIntervalSeconds)),
	}
}

// GCSArchiveConfig returns the archive location for the gcs export.
func (c *Config) GCSArchiveConfig() activity.GCSArchiveConfig {
	return activity.GCSArchiveConfig{BucketName: c.Activity.GCS.Bucket, ObjectPrefix: c.Activity.GCS.Prefix}
}

// UpstreamConfig returns the HTTP client configuration for a source.
func (s SourceConfig) UpstreamConfig() upstream.Config {
	cfg := upstream.Config{
		UserAgent: s.UserAgent,
		Timeout:   seconds(s.TimeoutSeconds),
	}
	if s.Auth.TokenURL != "" {
		cfg.Auth = &upstream.ClientCredentials{
			TokenURL:     s.Auth.TokenURL,
			ClientID:     s.Auth.ClientID,
			ClientSecret: s.Auth.ClientSecret,
			Scopes:       s.Auth.Scopes,
		}
	}
	return cfg
}

func hours(h float64) time.Duration   { return time.Duration(h * float64(time.Hour)) }
func days(d float64) time.Duration    { return time.Duration(d * 24 * float64(time.Hour)) }
func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
