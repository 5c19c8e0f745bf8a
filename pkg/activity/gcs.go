package activity

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ObjectWriterFactory opens a writer for a new object. Closing the writer
// finalizes the upload.
type ObjectWriterFactory interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

type gcsWriterFactory struct {
	client *storage.Client
}

// NewGCSWriterFactory adapts a *storage.Client to ObjectWriterFactory.
func NewGCSWriterFactory(client *storage.Client) ObjectWriterFactory {
	return &gcsWriterFactory{client: client}
}

func (f *gcsWriterFactory) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return f.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

// GCSArchiveConfig names where archived events are written.
type GCSArchiveConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSArchiver is an EventInserter that writes each batch as gzipped JSON lines,
// one object per day and source: <prefix>/<yyyy>/<mm>/<dd>/<source>/<uuid>.jsonl.gz.
type GCSArchiver struct {
	writers ObjectWriterFactory
	config  GCSArchiveConfig
	logger  zerolog.Logger
}

// NewGCSArchiver creates a GCSArchiver.
func NewGCSArchiver(writers ObjectWriterFactory, cfg GCSArchiveConfig, logger zerolog.Logger) (*GCSArchiver, error) {
	if writers == nil {
		return nil, errors.New("object writer factory cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSArchiver{
		writers: writers,
		config:  cfg,
		logger:  logger.With().Str("component", "GCSArchiver").Logger(),
	}, nil
}

func batchKey(ev Event) string {
	source := ev.Source
	if source == "" {
		source = "unknown"
	}
	return path.Join(ev.Timestamp.UTC().Format("2006/01/02"), source)
}

// InsertEvents groups events by day and source and uploads one object per group.
func (a *GCSArchiver) InsertEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	groups := make(map[string][]Event)
	for _, ev := range events {
		key := batchKey(ev)
		groups[key] = append(groups[key], ev)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		if err := a.upload(ctx, key, groups[key]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *GCSArchiver) upload(ctx context.Context, key string, events []Event) error {
	objectName := path.Join(a.config.ObjectPrefix, key, uuid.New().String()+".jsonl.gz")
	w := a.writers.NewWriter(ctx, a.config.BucketName, objectName)

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			_ = gz.Close()
			_ = w.Close()
			return fmt.Errorf("json encoding failed for %s: %w", objectName, err)
		}
	}
	if err := gz.Close(); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to compress GCS object %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, err)
	}

	a.logger.Debug().Str("object_name", objectName).Int("event_count", len(events)).Msg("Archived activity batch to GCS.")
	return nil
}

// Close is a no-op; uploads finish inside InsertEvents.
func (a *GCSArchiver) Close() error {
	return nil
}
