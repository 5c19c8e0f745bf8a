// Command indicatorcache serves upstream indicators through the resilient
// fetch-and-cache layer and exposes its diagnostics over HTTP.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-indicatorcache/pkg/activity"
	"github.com/illmade-knight/go-indicatorcache/pkg/cache"
	"github.com/illmade-knight/go-indicatorcache/pkg/config"
	"github.com/illmade-knight/go-indicatorcache/pkg/microservice"
	"github.com/illmade-knight/go-indicatorcache/pkg/orchestrator"
	"github.com/illmade-knight/go-indicatorcache/pkg/scheduler"
	"github.com/illmade-knight/go-indicatorcache/pkg/upstream"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration.")
		}
		cfg = loaded
	}
	logger = logger.Level(cfg.Level()).With().Str("service", cfg.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service exited with error.")
	}
}

// closer is a shutdown step run in reverse order of construction.
type closer func(ctx context.Context) error

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Error during shutdown.")
			}
		}
	}()

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var db *sql.DB
	if cfg.Store.Backend == config.BackendPostgres || cfg.Activity.Backend == config.BackendPostgres {
		var err error
		db, err = cache.OpenPostgres(ctx, cfg.Store.Postgres.DSN, cfg.Store.Postgres.MaxOpenConns)
		if err != nil {
			return err
		}
		closers = append(closers, func(context.Context) error { return db.Close() })
	}

	store, err := newStore(ctx, cfg, db, clientOpts, logger)
	if err != nil {
		return err
	}
	closers = append(closers, func(context.Context) error { return store.Close() })

	activityLog, sinkClosers, err := newActivityLog(ctx, cfg, db, clientOpts, logger)
	closers = append(closers, sinkClosers...)
	if err != nil {
		return err
	}

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	exec, err := cfg.Executor(logger)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(store, registry, exec, activityLog, logger, orchestrator.Config{SingleFlight: cfg.SingleFlight})
	if err != nil {
		return err
	}

	server := microservice.NewCacheServer(logger, cfg.HTTPPort, orch)
	sched := scheduler.New(logger)
	if cfg.Cleanup.Schedule != "" {
		if err := sched.AddCleanup(cfg.Cleanup.Schedule, orch, cfg.RetentionPeriod()); err != nil {
			return err
		}
	}
	for name, src := range cfg.Sources {
		if src.URL == "" {
			continue
		}
		fetch := upstream.JSONFetch(upstream.NewHTTPClient(ctx, src.UpstreamConfig()), src.URL)
		key := "source:" + name
		server.RegisterSource(name, microservice.SourceRoute{Key: key, Kind: src.Kind, Fetch: fetch})
		if src.RefreshSchedule != "" {
			req := orchestrator.Request{Key: key, Source: name, Kind: src.Kind, Fetch: fetch, ForceRefresh: true}
			if err := sched.AddWarmup(src.RefreshSchedule, orch, req); err != nil {
				return err
			}
		}
	}

	sched.Start()
	closers = append(closers, sched.Stop)
	if err := server.Start(); err != nil {
		return err
	}
	closers = append(closers, server.Shutdown)

	logger.Info().
		Str("store", cfg.Store.Backend).
		Str("activity", cfg.Activity.Backend).
		Int("sources", len(cfg.Sources)).
		Msg("Indicator cache is running.")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	return nil
}

func newStore(ctx context.Context, cfg *config.Config, db *sql.DB, clientOpts []option.ClientOption, logger zerolog.Logger) (cache.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return cache.NewRedisStore(ctx, cfg.RedisStoreConfig(), logger)
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("firestore.NewClient: %w", err)
		}
		store, err := cache.NewFirestoreStore(cfg.FirestoreStoreConfig(), client, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &ownedFirestoreStore{FirestoreStore: store, client: client}, nil
	case config.BackendPostgres:
		store, err := cache.NewPostgresStore(db, cfg.PostgresStoreConfig(), logger)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return cache.NewInMemoryStore(), nil
	}
}

// ownedFirestoreStore closes the client the binary created for the store.
type ownedFirestoreStore struct {
	*cache.FirestoreStore
	client *firestore.Client
}

func (s *ownedFirestoreStore) Close() error {
	_ = s.FirestoreStore.Close()
	return s.client.Close()
}

func newActivityLog(ctx context.Context, cfg *config.Config, db *sql.DB, clientOpts []option.ClientOption, logger zerolog.Logger) (activity.Log, []closer, error) {
	var primary activity.Log
	switch cfg.Activity.Backend {
	case config.BackendPostgres:
		pgLog, err := activity.NewPostgresLog(db, cfg.Store.Postgres.ActivityTable, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := pgLog.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		primary = pgLog
	default:
		primary = activity.NewMemoryLog(cfg.Activity.Capacity)
	}
	if len(cfg.Activity.Export) == 0 {
		return primary, nil, nil
	}

	var sinks []activity.Sink
	var closers []closer
	for _, target := range cfg.Activity.Export {
		switch target {
		case config.ExportBigQuery:
			client, err := activity.NewBigQueryClient(ctx, cfg.ProjectID, cfg.CredentialsFile, logger)
			if err != nil {
				return nil, closers, err
			}
			closers = append(closers, func(context.Context) error { return client.Close() })
			inserter, err := activity.NewBigQueryInserter(ctx, client, activity.BigQueryConfig{
				DatasetID: cfg.Activity.BigQuery.DatasetID,
				TableID:   cfg.Activity.BigQuery.TableID,
			}, logger)
			if err != nil {
				return nil, closers, err
			}
			batch := activity.NewBatchSink(cfg.BatchSinkConfig(), inserter, logger)
			batch.Start(context.Background())
			closers = append(closers, batch.Stop)
			sinks = append(sinks, batch)
		case config.ExportPubSub:
			client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
			if err != nil {
				return nil, closers, fmt.Errorf("pubsub.NewClient: %w", err)
			}
			closers = append(closers, func(context.Context) error { return client.Close() })
			publisher, err := activity.NewGooglePublisher(ctx, client, cfg.Activity.PubSub.TopicID, logger)
			if err != nil {
				return nil, closers, err
			}
			sink := activity.NewPublisherSink(publisher)
			closers = append(closers, sink.Stop)
			sinks = append(sinks, sink)
		case config.ExportGCS:
			client, err := storage.NewClient(ctx, clientOpts...)
			if err != nil {
				return nil, closers, fmt.Errorf("storage.NewClient: %w", err)
			}
			closers = append(closers, func(context.Context) error { return client.Close() })
			archiver, err := activity.NewGCSArchiver(activity.NewGCSWriterFactory(client), cfg.GCSArchiveConfig(), logger)
			if err != nil {
				return nil, closers, err
			}
			batch := activity.NewBatchSink(cfg.BatchSinkConfig(), archiver, logger)
			batch.Start(context.Background())
			closers = append(closers, batch.Stop)
			sinks = append(sinks, batch)
		}
	}
	return activity.NewTee(primary, logger, sinks...), closers, nil
}
