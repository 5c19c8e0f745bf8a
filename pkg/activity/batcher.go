package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrSinkClosed is returned by Write after Stop has been called.
	ErrSinkClosed = errors.New("activity sink is closed")
	// ErrSinkFull is returned by Write when the buffer can not take another event.
	ErrSinkFull = errors.New("activity sink buffer is full")
)

// EventInserter writes a batch of events to an external store.
type EventInserter interface {
	InsertEvents(ctx context.Context, events []Event) error
	Close() error
}

// BatchSinkConfig holds configuration for the BatchSink.
type BatchSinkConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	InsertTimeout time.Duration
}

// BatchSink buffers events and hands them to an EventInserter in batches,
// flushing when a batch is full or the flush interval elapses.
type BatchSink struct {
	config   BatchSinkConfig
	inserter EventInserter
	logger   zerolog.Logger

	mu        sync.RWMutex
	closed    bool
	inputChan chan Event
	wg        sync.WaitGroup
}

// NewBatchSink creates a BatchSink. Call Start before writing to it.
func NewBatchSink(cfg BatchSinkConfig, inserter EventInserter, logger zerolog.Logger) *BatchSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 30 * time.Second
	}
	return &BatchSink{
		config:    cfg,
		inserter:  inserter,
		logger:    logger.With().Str("component", "ActivityBatchSink").Logger(),
		inputChan: make(chan Event, cfg.BatchSize*2),
	}
}

// Start begins the batching worker. ctx controls the worker's lifetime.
func (b *BatchSink) Start(ctx context.Context) {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_interval", b.config.FlushInterval).
		Msg("Starting activity batch worker...")
	b.wg.Add(1)
	go b.worker(ctx)
}

// Write queues an event without blocking.
func (b *BatchSink) Write(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrSinkClosed
	}
	select {
	case b.inputChan <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

// Stop flushes buffered events and closes the inserter, waiting at most
// until ctx is done.
func (b *BatchSink) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.inputChan)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info().Msg("Activity batch worker stopped gracefully.")
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for activity batch worker to stop.")
		return ctx.Err()
	}

	if err := b.inserter.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Error closing activity inserter.")
	}
	return nil
}

func (b *BatchSink) worker(ctx context.Context) {
	defer b.wg.Done()
	batch := make([]Event, 0, b.config.BatchSize)
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background(), batch)
			return

		case ev, ok := <-b.inputChan:
			if !ok {
				b.flush(context.Background(), batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= b.config.BatchSize {
				b.flush(ctx, batch)
				batch = make([]Event, 0, b.config.BatchSize)
				ticker.Reset(b.config.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = make([]Event, 0, b.config.BatchSize)
			}
		}
	}
}

func (b *BatchSink) flush(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	insertCtx, cancel := context.WithTimeout(ctx, b.config.InsertTimeout)
	defer cancel()

	if err := b.inserter.InsertEvents(insertCtx, batch); err != nil {
		b.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to insert activity batch, events dropped.")
		return
	}
	b.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed activity batch.")
}
