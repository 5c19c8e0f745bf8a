package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/activity"
	"github.com/illmade-knight/go-indicatorcache/pkg/cache"
	"github.com/illmade-knight/go-indicatorcache/pkg/freshness"
	"github.com/illmade-knight/go-indicatorcache/pkg/orchestrator"
	"github.com/illmade-knight/go-indicatorcache/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

// ====================================================================================
// Test Mocks & Helpers
// ====================================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// countingFetch fails its first `failures` calls and then returns payload.
type countingFetch struct {
	calls    atomic.Int32
	failures int
	payload  cache.Payload
}

func (f *countingFetch) Fetch(context.Context) (cache.Payload, error) {
	n := int(f.calls.Add(1))
	if n <= f.failures {
		return nil, errors.New("upstream unavailable")
	}
	return f.payload, nil
}

func (f *countingFetch) Calls() int { return int(f.calls.Load()) }

func alwaysFailing() *countingFetch { return &countingFetch{failures: 1 << 30} }

// faultyStore injects storage errors in front of a working store. Like the
// networked backends, its reads fail once ctx is done.
type faultyStore struct {
	cache.Store
	getErr error
	setErr error
}

func (s *faultyStore) Get(ctx context.Context, key string, w freshness.Window) (*cache.Lookup, error) {
	if s.getErr != nil {
		return nil, &cache.StorageError{Op: "get", Key: key, Err: s.getErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, &cache.StorageError{Op: "get", Key: key, Err: err}
	}
	return s.Store.Get(ctx, key, w)
}

func (s *faultyStore) Set(ctx context.Context, req cache.SetRequest) error {
	if s.setErr != nil {
		return &cache.StorageError{Op: "set", Key: req.Key, Err: s.setErr}
	}
	return s.Store.Set(ctx, req)
}

type fixture struct {
	clock   *testClock
	store   *faultyStore
	log     *activity.MemoryLog
	sleeper *recordingSleeper
	orch    *orchestrator.Orchestrator
}

type fixtureConfig struct {
	maxAttempts  int
	singleFlight bool
}

func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()
	if fc.maxAttempts == 0 {
		fc.maxAttempts = 3
	}
	clock := &testClock{now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	store := &faultyStore{Store: cache.NewInMemoryStore(cache.WithClock(clock.Now))}
	log := activity.NewMemoryLog(100)
	sleeper := &recordingSleeper{}

	registry, err := freshness.NewRegistry(
		freshness.Policy{TTL: 2 * time.Hour, AllowStaleFallback: true, MaxStaleAge: 7 * day},
		map[string]freshness.Policy{
			"nostale": {TTL: 2 * time.Hour, AllowStaleFallback: false, MaxStaleAge: 7 * day},
		},
	)
	require.NoError(t, err)
	exec, err := retry.NewExecutor(retry.Config{MaxAttempts: fc.maxAttempts, BaseBackoff: 2}, zerolog.Nop(), retry.WithSleeper(sleeper.Sleep))
	require.NoError(t, err)

	orch, err := orchestrator.New(store, registry, exec, log, zerolog.Nop(),
		orchestrator.Config{SingleFlight: fc.singleFlight}, orchestrator.WithClock(clock.Now))
	require.NoError(t, err)

	return &fixture{clock: clock, store: store, log: log, sleeper: sleeper, orch: orch}
}

func (f *fixture) seed(t *testing.T, key, source string, payload cache.Payload) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), cache.SetRequest{
		Key: key, Payload: payload, Source: source, Kind: "index", TTL: 2 * time.Hour,
	}))
}

func (f *fixture) lastEvent(t *testing.T) activity.Event {
	t.Helper()
	events, err := f.log.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

func (f *fixture) eventTypes(t *testing.T) []activity.Type {
	t.Helper()
	events, err := f.log.Recent(context.Background(), 0)
	require.NoError(t, err)
	types := make([]activity.Type, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// ====================================================================================
// Tests
// ====================================================================================

func TestFetchWithCache_FreshHitSkipsUpstream(t *testing.T) {
	// --- Arrange ---
	f := newFixture(t, fixtureConfig{})
	f.seed(t, "spx", "yahoo", cache.Payload{"close": 5300.5})
	f.clock.Advance(time.Hour)
	fetch := &countingFetch{payload: cache.Payload{"close": 1.0}}

	// --- Act ---
	res, err := f.orch.FetchWithCache(context.Background(), orchestrator.Request{
		Key: "spx", Source: "yahoo", Kind: "index", Fetch: fetch.Fetch,
	})

	// --- Assert ---
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Fresh)
	assert.Equal(t, 5300.5, res.Payload["close"])
	assert.Equal(t, 0, fetch.Calls(), "a fresh entry must not trigger an upstream call")

	ev := f.lastEvent(t)
	assert.Equal(t, activity.TypeCacheHit, ev.Type)
	assert.Equal(t, activity.StatusSuccess, ev.Status)
	assert.Equal(t, "yahoo", ev.Source)
}

func TestFetchWithCache_StaleFallbackOnUpstreamFailure(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.seed(t, "gold", "metals", cache.Payload{"usd": 2350.0})
	cachedAt := f.clock.Now()
	f.clock.Advance(5 * time.Hour)
	fetch := alwaysFailing()

	res, err := f.orch.FetchWithCache(context.Background(), orchestrator.Request{
		Key: "gold", Source: "metals", Kind: "commodity", Fetch: fetch.Fetch,
	})

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Fresh, "fallback data is never reported fresh")
	assert.Equal(t, 2350.0, res.Payload["usd"])
	assert.True(t, cachedAt.Equal(res.CachedAt))
	assert.Equal(t, 3, fetch.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, f.sleeper.Delays())

	ev := f.lastEvent(t)
	assert.Equal(t, activity.TypeCacheFallback, ev.Type)
	assert.Equal(t, activity.StatusWarning, ev.Status)
	assert.Equal(t, (5 * time.Hour).Seconds(), ev.Metadata["age_seconds"])
}

func TestFetchWithCache_UnavailableWithoutFallback(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	fetch := alwaysFailing()

	res, err := f.orch.FetchWithCache(context.Background(), orchestrator.Request{
		Key: "cpi", Source: "nostale", Kind: "macro", Fetch: fetch.Fetch,
	})

	require.NoError(t, err, "data unavailable is not an error")
	assert.Nil(t, res)
	assert.Equal(t, 3, fetch.Calls())

	ev := f.lastEvent(t)
	assert.Equal(t, activity.TypeDataFetch, ev.Type)
	assert.Equal(t, activity.StatusError, ev.Status)
}

func TestFetchWithCache_SucceedsOnSecondAttempt(t *testing.T) {
	f := newFixture(t, fixtureConfig{maxAttempts: 3})
	fetch := &countingFetch{failures: 1, payload: cache.Payload{"rate": 4.25}}
	ctx := context.Background()

	res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{
		Key: "fedfunds", Source: "fred", Kind: "macro", Fetch: fetch.Fetch,
		Metadata: map[string]interface{}{"series": "FEDFUNDS"},
	})

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Fresh)
	assert.Equal(t, 4.25, res.Payload["rate"])
	assert.True(t, f.clock.Now().Equal(res.FetchedAt))
	assert.Equal(t, 2, fetch.Calls(), "fetch is called exactly N+1 times")

	stored, err := f.store.Get(ctx, "fedfunds", freshness.Window{MaxAge: 2 * time.Hour})
	require.NoError(t, err)
	require.NotNil(t, stored, "the fetched payload is persisted")
	assert.True(t, stored.Fresh)
	assert.Equal(t, "fred", stored.Source)
	assert.Equal(t, "macro", stored.Kind)
	assert.Equal(t, "FEDFUNDS", stored.Metadata["series"])
	assert.True(t, stored.ExpiresAt.Equal(f.clock.Now().Add(2*time.Hour)))

	ev := f.lastEvent(t)
	assert.Equal(t, activity.TypeDataFetch, ev.Type)
	assert.Equal(t, activity.StatusSuccess, ev.Status)
	assert.Equal(t, 2, ev.Metadata["attempts"])
}

func TestFetchWithCache_ForceRefreshBypassesFreshEntry(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.seed(t, "spx", "yahoo", cache.Payload{"close": 5300.5})
	fetch := &countingFetch{payload: cache.Payload{"close": 5310.0}}
	ctx := context.Background()

	res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{
		Key: "spx", Source: "yahoo", Fetch: fetch.Fetch, ForceRefresh: true,
	})

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, fetch.Calls())
	assert.Equal(t, 5310.0, res.Payload["close"])

	stored, err := f.store.Get(ctx, "spx", freshness.Window{MaxAge: time.Hour})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 5310.0, stored.Payload["close"], "the refreshed payload replaces the old one")
}

func TestFetchWithCache_AttemptsExhaustedBeforeSuccess(t *testing.T) {
	ctx := context.Background()

	t.Run("Falls back to stale data", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{maxAttempts: 2})
		f.seed(t, "oil", "eia", cache.Payload{"wti": 78.1})
		f.clock.Advance(3 * time.Hour)
		fetch := &countingFetch{failures: 2, payload: cache.Payload{"wti": 80.0}}

		res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{Key: "oil", Source: "eia", Fetch: fetch.Fetch})

		require.NoError(t, err)
		require.NotNil(t, res)
		assert.False(t, res.Fresh)
		assert.Equal(t, 78.1, res.Payload["wti"])
		assert.Equal(t, 2, fetch.Calls())
	})

	t.Run("Returns absent without stale data", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{maxAttempts: 2})
		fetch := &countingFetch{failures: 2, payload: cache.Payload{"wti": 80.0}}

		res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{Key: "oil", Source: "eia", Fetch: fetch.Fetch})

		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Equal(t, 2, fetch.Calls())
	})
}

func TestFetchWithCache_NeverServesBeyondStaleCeiling(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.seed(t, "gold", "metals", cache.Payload{"usd": 2350.0})
	f.clock.Advance(7*day + time.Minute)

	res, err := f.orch.FetchWithCache(context.Background(), orchestrator.Request{
		Key: "gold", Source: "metals", Fetch: alwaysFailing().Fetch,
	})

	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestFetchWithCache_RequestOverrides(t *testing.T) {
	ctx := context.Background()

	t.Run("AllowStale false disables fallback", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		f.seed(t, "gold", "metals", cache.Payload{"usd": 2350.0})
		f.clock.Advance(5 * time.Hour)
		noStale := false

		res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{
			Key: "gold", Source: "metals", Fetch: alwaysFailing().Fetch, AllowStale: &noStale,
		})

		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("AllowStale true enables fallback for a strict source", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		f.seed(t, "cpi", "nostale", cache.Payload{"yoy": 3.1})
		f.clock.Advance(5 * time.Hour)
		allow := true

		res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{
			Key: "cpi", Source: "nostale", Fetch: alwaysFailing().Fetch, AllowStale: &allow,
		})

		require.NoError(t, err)
		require.NotNil(t, res)
		assert.False(t, res.Fresh)
	})

	t.Run("A TTL beyond the stale ceiling is rejected", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		f.seed(t, "gold", "metals", cache.Payload{"usd": 2350.0})
		f.clock.Advance(9 * day)
		fetch := &countingFetch{payload: cache.Payload{"usd": 2400.0}}
		ttl := 10 * day

		res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{
			Key: "gold", Source: "metals", Fetch: fetch.Fetch, TTL: &ttl,
		})

		assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
		assert.Nil(t, res, "an entry older than the ceiling is never served")
		assert.Equal(t, 0, fetch.Calls())
	})

	t.Run("A TTL equal to the stale ceiling is accepted", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		f.seed(t, "gold", "metals", cache.Payload{"usd": 2350.0})
		f.clock.Advance(6 * day)
		ttl := 7 * day

		res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{
			Key: "gold", Source: "metals", Fetch: alwaysFailing().Fetch, TTL: &ttl,
		})

		require.NoError(t, err)
		require.NotNil(t, res)
		assert.True(t, res.Fresh)
	})

	t.Run("A shorter TTL turns a cached entry into a miss", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		f.seed(t, "spx", "yahoo", cache.Payload{"close": 5300.5})
		f.clock.Advance(time.Hour)
		fetch := &countingFetch{payload: cache.Payload{"close": 5320.0}}
		ttl := 30 * time.Minute

		res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{
			Key: "spx", Source: "yahoo", Fetch: fetch.Fetch, TTL: &ttl,
		})

		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 1, fetch.Calls())
		assert.Equal(t, 5320.0, res.Payload["close"])
	})
}

func TestFetchWithCache_StorageErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("A failed cache read degrades to a miss", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		f.store.getErr = errors.New("connection reset")
		fetch := &countingFetch{payload: cache.Payload{"v": 1.0}}

		res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{Key: "k", Source: "s", Fetch: fetch.Fetch})

		require.NoError(t, err)
		require.NotNil(t, res)
		assert.True(t, res.Fresh)
		assert.Equal(t, 1, fetch.Calls())
	})

	t.Run("A failed fallback read is returned", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		f.store.getErr = errors.New("connection reset")

		res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{Key: "k", Source: "s", Fetch: alwaysFailing().Fetch})

		require.Error(t, err)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, cache.ErrStorage)
	})

	t.Run("A failed cache write still serves the fetched payload", func(t *testing.T) {
		f := newFixture(t, fixtureConfig{})
		f.store.setErr = errors.New("disk full")
		fetch := &countingFetch{payload: cache.Payload{"v": 2.0}}

		res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{Key: "k", Source: "s", Fetch: fetch.Fetch})

		require.NoError(t, err)
		require.NotNil(t, res)
		assert.True(t, res.Fresh)
		assert.Equal(t, 2.0, res.Payload["v"])
		assert.Equal(t, []activity.Type{activity.TypeDataFetch, activity.TypeCacheWrite}, f.eventTypes(t))
		assert.Equal(t, false, f.lastEvent(t).Metadata["cached"])
	})
}

func TestFetchWithCache_InvalidRequests(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	zero := time.Duration(0)

	_, err := f.orch.FetchWithCache(ctx, orchestrator.Request{Source: "s", Fetch: alwaysFailing().Fetch})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	_, err = f.orch.FetchWithCache(ctx, orchestrator.Request{Key: "k", Source: "s"})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	_, err = f.orch.FetchWithCache(ctx, orchestrator.Request{Key: "k", Source: "s", Fetch: alwaysFailing().Fetch, TTL: &zero})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
}

func TestFetchWithCache_CancelledDuringBackoff(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{Key: "k", Source: "nostale", Fetch: alwaysFailing().Fetch})

	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Len(t, f.sleeper.Delays(), 1, "the retry loop stops at the first cancelled sleep")
}

func TestFetchWithCache_CancelledCallerStillGetsStaleData(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.seed(t, "gold", "metals", cache.Payload{"usd": 2350.0})
	f.clock.Advance(5 * time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.FetchWithCache(ctx, orchestrator.Request{Key: "gold", Source: "metals", Fetch: alwaysFailing().Fetch})

	require.NoError(t, err, "the fallback read does not inherit the caller's cancellation")
	require.NotNil(t, res)
	assert.False(t, res.Fresh)
	assert.Equal(t, 2350.0, res.Payload["usd"])
	assert.Equal(t, activity.TypeCacheFallback, f.lastEvent(t).Type)
}

func TestFetchWithCache_SingleFlight(t *testing.T) {
	f := newFixture(t, fixtureConfig{singleFlight: true})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (cache.Payload, error) {
		calls.Add(1)
		<-release
		return cache.Payload{"close": 5300.5}, nil
	}

	const callers = 5
	results := make([]*orchestrator.Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.orch.FetchWithCache(context.Background(), orchestrator.Request{Key: "spx", Source: "yahoo", Fetch: fetch})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent cold misses share one upstream call")
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, 5300.5, res.Payload["close"])
	}

	for i := range results {
		results[i].Payload["close"] = float64(-i)
	}
	for i, res := range results {
		assert.Equal(t, float64(-i), res.Payload["close"], "callers receive independent payloads")
	}

	events, err := f.log.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, callers, "every caller leaves one activity event")
	shared, hits := 0, 0
	for _, ev := range events {
		assert.Equal(t, activity.StatusSuccess, ev.Status)
		switch {
		case ev.Type == activity.TypeCacheHit:
			// a caller scheduled after the fetch finished reads the new entry
			hits++
		case ev.Type == activity.TypeDataFetch && ev.Metadata["shared"] == true:
			shared++
		}
	}
	assert.Equal(t, callers-1, shared+hits, "only the caller that ran the fetch is not marked shared")
}

func TestOrchestrator_Maintenance(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	f.seed(t, "old", "s", cache.Payload{"v": 1.0})
	f.clock.Advance(31 * day)
	f.seed(t, "new", "s", cache.Payload{"v": 2.0})

	removed, err := f.orch.Cleanup(ctx, 30*day)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, activity.TypeCacheCleanup, f.lastEvent(t).Type)

	ok, err := f.orch.Invalidate(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, activity.TypeCacheInvalidate, f.lastEvent(t).Type)

	stats, err := f.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	events, err := f.orch.RecentActivity(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestNew_Validation(t *testing.T) {
	registry, err := freshness.NewRegistry(freshness.Policy{TTL: time.Hour, MaxStaleAge: day}, nil)
	require.NoError(t, err)
	exec, err := retry.NewExecutor(retry.Config{MaxAttempts: 1}, zerolog.Nop())
	require.NoError(t, err)
	store := cache.NewInMemoryStore()
	log := activity.NewMemoryLog(10)

	_, err = orchestrator.New(nil, registry, exec, log, zerolog.Nop(), orchestrator.Config{})
	assert.Error(t, err)
	_, err = orchestrator.New(store, nil, exec, log, zerolog.Nop(), orchestrator.Config{})
	assert.Error(t, err)
	_, err = orchestrator.New(store, registry, nil, log, zerolog.Nop(), orchestrator.Config{})
	assert.Error(t, err)
	_, err = orchestrator.New(store, registry, exec, nil, zerolog.Nop(), orchestrator.Config{})
	assert.Error(t, err)
}
