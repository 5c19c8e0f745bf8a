package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/cache"
	"github.com/illmade-knight/go-indicatorcache/pkg/orchestrator"
	"github.com/illmade-knight/go-indicatorcache/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCleaner struct {
	calls     atomic.Int32
	olderThan atomic.Int64
	err       error
	block     chan struct{}
}

func (m *mockCleaner) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	m.calls.Add(1)
	m.olderThan.Store(int64(olderThan))
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if m.err != nil {
		return 0, m.err
	}
	return 3, nil
}

type mockFetcher struct {
	calls  atomic.Int32
	result *orchestrator.Result
	err    error
}

func (m *mockFetcher) FetchWithCache(_ context.Context, _ orchestrator.Request) (*orchestrator.Result, error) {
	m.calls.Add(1)
	return m.result, m.err
}

func TestCleanupJob(t *testing.T) {
	ctx := context.Background()

	t.Run("Passes retention through", func(t *testing.T) {
		c := &mockCleaner{}
		removed, err := scheduler.CleanupJob(ctx, c, 30*24*time.Hour, zerolog.Nop())

		require.NoError(t, err)
		assert.Equal(t, 3, removed)
		assert.Equal(t, int64(30*24*time.Hour), c.olderThan.Load())
	})

	t.Run("Returns cleanup errors", func(t *testing.T) {
		c := &mockCleaner{err: errors.New("db down")}
		_, err := scheduler.CleanupJob(ctx, c, time.Hour, zerolog.Nop())
		assert.Error(t, err)
	})
}

func TestWarmupJob(t *testing.T) {
	ctx := context.Background()
	req := orchestrator.Request{Key: "spx", Source: "yahoo"}

	t.Run("Success", func(t *testing.T) {
		f := &mockFetcher{result: &orchestrator.Result{Key: "spx", Payload: cache.Payload{"close": 1.0}, Fresh: true}}
		assert.NoError(t, scheduler.WarmupJob(ctx, f, req, zerolog.Nop()))
		assert.Equal(t, int32(1), f.calls.Load())
	})

	t.Run("Unavailable data is reported", func(t *testing.T) {
		f := &mockFetcher{}
		assert.Error(t, scheduler.WarmupJob(ctx, f, req, zerolog.Nop()))
	})

	t.Run("Errors are returned", func(t *testing.T) {
		f := &mockFetcher{err: errors.New("storage")}
		assert.Error(t, scheduler.WarmupJob(ctx, f, req, zerolog.Nop()))
	})
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := scheduler.New(zerolog.Nop())

	assert.Error(t, s.AddCleanup("not a schedule", &mockCleaner{}, time.Hour))
	assert.Error(t, s.AddCleanup("@daily", &mockCleaner{}, 0))
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_TriggerRunsJobs(t *testing.T) {
	s := scheduler.New(zerolog.Nop())
	c := &mockCleaner{}
	f := &mockFetcher{result: &orchestrator.Result{Fresh: true}}

	require.NoError(t, s.AddCleanup("@daily", c, time.Hour))
	require.NoError(t, s.AddWarmup("@hourly", f, orchestrator.Request{Key: "spx"}))
	assert.Error(t, s.AddWarmup("@hourly", f, orchestrator.Request{Key: "spx"}), "job names are unique")
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Trigger("cleanup"))
	assert.True(t, s.Trigger("warmup:spx"))
	assert.False(t, s.Trigger("warmup:unknown"))
	assert.Equal(t, int32(1), c.calls.Load())
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, int64(time.Hour), c.olderThan.Load())
}

func TestScheduler_StopCancelsRunningJob(t *testing.T) {
	// Arrange
	s := scheduler.New(zerolog.Nop())
	c := &mockCleaner{block: make(chan struct{})}
	require.NoError(t, s.AddCleanup("@daily", c, time.Hour))
	s.Start()

	ran := make(chan bool, 1)
	go func() { ran <- s.Trigger("cleanup") }()
	require.Eventually(t, func() bool { return c.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Trigger("cleanup"), "overlapping runs are skipped")

	// Act
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(stopCtx)

	// Assert
	assert.NoError(t, err, "the blocked job observes cancellation and returns")
	assert.True(t, <-ran)
	assert.False(t, s.Trigger("cleanup"), "no job starts after Stop")
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestScheduler_CronTicksRunJobs(t *testing.T) {
	s := scheduler.New(zerolog.Nop())
	c := &mockCleaner{}
	require.NoError(t, s.AddCleanup("@every 1s", c, time.Hour))

	s.Start()
	require.Eventually(t, func() bool { return c.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
}
