// Package scheduler runs periodic cache maintenance (cleanup and warm-up) on
// cron schedules. Stop is deterministic: no job starts after it returns and
// in-flight jobs see their context cancelled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/orchestrator"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"
)

// Cleaner removes cache entries older than a retention period.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// Fetcher serves a request from the cache or its upstream.
type Fetcher interface {
	FetchWithCache(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Scheduler wraps a cron runner with cancellable, non-overlapping jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	jobs    map[string]*job
}

type job struct {
	name    string
	running atomic.Bool
	run     func(ctx context.Context)
}

// New creates a Scheduler. Jobs are added before Start.
func New(logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.With().Str("component", "Scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// AddCleanup schedules removal of entries older than retention.
func (s *Scheduler) AddCleanup(schedule string, c Cleaner, retention time.Duration) error {
	if retention <= 0 {
		return errors.New("cleanup retention must be positive")
	}
	return s.add("cleanup", schedule, func(ctx context.Context) {
		_, _ = CleanupJob(ctx, c, retention, s.logger)
	})
}

// AddWarmup schedules a fetch of req so its cache entry is renewed before
// callers ask for it.
func (s *Scheduler) AddWarmup(schedule string, f Fetcher, req orchestrator.Request) error {
	return s.add("warmup:"+req.Key, schedule, func(ctx context.Context) {
		_ = WarmupJob(ctx, f, req, s.logger)
	})
}

// Len is the number of scheduled jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Trigger runs the named job now, on the calling goroutine, under the same
// rules as a scheduled run. It reports whether the job ran: false for an
// unknown name, a run already in progress or a stopped scheduler. Cleanup is
// named "cleanup", warm-ups "warmup:<key>".
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.execute(j)
}

func (s *Scheduler) add(name, schedule string, run func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s is already scheduled", name)
	}
	j := &job{name: name, run: run}
	if err := s.cron.AddFunc(schedule, func() { s.execute(j) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, name, err)
	}
	s.jobs[name] = j
	s.logger.Info().Str("job", name).Str("schedule", schedule).Msg("Job scheduled.")
	return nil
}

func (s *Scheduler) execute(j *job) bool {
	if !j.running.CompareAndSwap(false, true) {
		s.logger.Warn().Str("job", j.name).Msg("Previous run still in progress, skipping.")
		return false
	}
	defer j.running.Store(false)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	j.run(s.ctx)
	return true
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.logger.Info().Int("jobs", s.Len()).Msg("Starting scheduler...")
	s.cron.Start()
}

// Stop halts scheduling, cancels running jobs and waits for them to return,
// at most until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping scheduler...")
	s.cron.Stop()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped.")
		return nil
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for scheduled jobs to finish.")
		return ctx.Err()
	}
}

// CleanupJob removes entries older than retention.
func CleanupJob(ctx context.Context, c Cleaner, retention time.Duration, logger zerolog.Logger) (int, error) {
	removed, err := c.Cleanup(ctx, retention)
	if err != nil {
		logger.Error().Err(err).Msg("Scheduled cache cleanup failed.")
		return 0, err
	}
	logger.Info().Int("removed", removed).Dur("retention", retention).Msg("Scheduled cache cleanup complete.")
	return removed, nil
}

// WarmupJob fetches req through the orchestrator. An unavailable result is
// reported as an error so it shows up in the logs of the job runner.
func WarmupJob(ctx context.Context, f Fetcher, req orchestrator.Request, logger zerolog.Logger) error {
	logger = logger.With().Str("key", req.Key).Str("source", req.Source).Logger()
	res, err := f.FetchWithCache(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Warm-up failed.")
		return err
	}
	if res == nil {
		logger.Warn().Msg("Warm-up found no data.")
		return fmt.Errorf("no data available for %s", req.Key)
	}
	logger.Debug().Bool("fresh", res.Fresh).Msg("Warm-up complete.")
	return nil
}
