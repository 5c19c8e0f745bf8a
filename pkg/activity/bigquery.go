package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQueryConfig names the table activity events are streamed to.
type BigQueryConfig struct {
	DatasetID string
	TableID   string
}

// NewBigQueryClient creates a BigQuery client, using credentialsFile when set
// and Application Default Credentials otherwise.
func NewBigQueryClient(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// eventRow is the BigQuery representation of an Event. Metadata is kept as a
// JSON string so the table schema does not depend on what sources record.
type eventRow struct {
	ID        string    `bigquery:"id"`
	Type      string    `bigquery:"activity_type"`
	Source    string    `bigquery:"source"`
	Status    string    `bigquery:"status"`
	Message   string    `bigquery:"message"`
	Metadata  string    `bigquery:"metadata"`
	Timestamp time.Time `bigquery:"timestamp"`
}

func newEventRow(ev Event) (*eventRow, error) {
	row := &eventRow{
		ID:        ev.ID,
		Type:      string(ev.Type),
		Source:    ev.Source,
		Status:    string(ev.Status),
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata for event %s: %w", ev.ID, err)
		}
		row.Metadata = string(raw)
	}
	return row, nil
}

// Save implements bigquery.ValueSaver. The event ID doubles as the insert ID
// so retried inserts are de-duplicated.
func (r *eventRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"id":            r.ID,
		"activity_type": r.Type,
		"source":        r.Source,
		"status":        r.Status,
		"message":       r.Message,
		"metadata":      r.Metadata,
		"timestamp":     r.Timestamp,
	}, r.ID, nil
}

// BigQueryInserter streams activity events into a BigQuery table.
type BigQueryInserter struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryInserter connects to the configured table, creating it with a
// schema inferred from eventRow when it does not exist.
func NewBigQueryInserter(ctx context.Context, client *bigquery.Client, cfg BigQueryConfig, logger zerolog.Logger) (*BigQueryInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	logger = logger.With().
		Str("component", "ActivityBigQueryInserter").
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := tableRef.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("Activity table not found. Creating it with inferred schema.")
		schema, err := bigquery.InferSchema(eventRow{})
		if err != nil {
			return nil, fmt.Errorf("failed to infer activity schema: %w", err)
		}
		meta := &bigquery.TableMetadata{
			Schema:           schema,
			TimePartitioning: &bigquery.TimePartitioning{Field: "timestamp"},
		}
		if err := tableRef.Create(ctx, meta); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Msg("Activity table created.")
	}

	return &BigQueryInserter{inserter: tableRef.Inserter(), logger: logger}, nil
}

// InsertEvents streams a batch of events. Row-level failures are logged
// individually and returned as a wrapped bigquery.PutMultiError.
func (i *BigQueryInserter) InsertEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]*eventRow, 0, len(events))
	for _, ev := range events {
		row, err := newEventRow(ev)
		if err != nil {
			i.logger.Error().Err(err).Str("event_id", ev.ID).Msg("Skipping unencodable activity event.")
			continue
		}
		rows = append(rows, row)
	}

	if err := i.inserter.Put(ctx, rows); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	return nil
}

// Close is a no-op; the client lifecycle is owned by the caller.
func (i *BigQueryInserter) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
