// Package orchestrator decides, per request, whether to serve cached data,
// call the upstream, or fall back to stale data when the upstream fails.
//
// The decision procedure for FetchWithCache is:
//
//  1. Resolve the TTL from the request or the source's policy.
//  2. Unless ForceRefresh is set, serve a strictly fresh cache entry without
//     calling the upstream. A storage error here is treated as a miss.
//  3. Fetch through the retry executor and persist a non-empty result.
//  4. If fetching failed and stale fallback is allowed, serve an entry no
//     older than the policy's MaxStaleAge, marked Fresh=false.
//  5. Otherwise return (nil, nil): the data is unavailable.
//
// Every branch leaves an activity event.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-indicatorcache/pkg/activity"
	"github.com/illmade-knight/go-indicatorcache/pkg/cache"
	"github.com/illmade-knight/go-indicatorcache/pkg/freshness"
	"github.com/illmade-knight/go-indicatorcache/pkg/retry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidRequest is returned for requests that can never succeed.
var ErrInvalidRequest = errors.New("invalid fetch request")

// fallbackReadTimeout bounds the stale read made after the upstream failed,
// which runs even when the caller's context is already cancelled.
const fallbackReadTimeout = 10 * time.Second

// FetchFunc retrieves a payload from an upstream provider. It returns an error
// on hard failure and an empty payload on soft failure; both are retried. It
// must not cache.
type FetchFunc func(ctx context.Context) (cache.Payload, error)

// Request describes one cache-or-fetch call.
type Request struct {
	Key    string
	Source string
	Kind   string
	Fetch  FetchFunc
	// TTL overrides the source policy's TTL when set.
	TTL *time.Duration
	// ForceRefresh skips the fresh-cache check and always calls Fetch.
	ForceRefresh bool
	// AllowStale overrides the source policy's stale fallback flag when set.
	AllowStale *bool
	// Metadata is stored alongside a newly fetched payload.
	Metadata map[string]interface{}
}

// Result is the payload served for a Request.
type Result struct {
	Key       string                 `json:"cache_key"`
	Source    string                 `json:"source"`
	Kind      string                 `json:"kind"`
	Payload   cache.Payload          `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Fresh     bool                   `json:"is_fresh"`
	CachedAt  time.Time              `json:"cached_at"`
	FetchedAt time.Time              `json:"fetched_at"`
}

// Config holds orchestrator behavior switches.
type Config struct {
	// SingleFlight makes concurrent acquisitions of the same key within this
	// process share one upstream call.
	SingleFlight bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for acquisition timestamps and age reporting.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Orchestrator coordinates a cache store, a freshness registry, a retry
// executor and an activity log. It is safe for concurrent use.
type Orchestrator struct {
	store    cache.Store
	registry *freshness.Registry
	exec     *retry.Executor
	activity activity.Log
	logger   zerolog.Logger
	clock    func() time.Time
	group    *singleflight.Group
}

// New creates an Orchestrator from its collaborators.
func New(
	store cache.Store,
	registry *freshness.Registry,
	exec *retry.Executor,
	log activity.Log,
	logger zerolog.Logger,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("cache store cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("freshness registry cannot be nil")
	}
	if exec == nil {
		return nil, errors.New("retry executor cannot be nil")
	}
	if log == nil {
		return nil, errors.New("activity log cannot be nil")
	}
	o := &Orchestrator{
		store:    store,
		registry: registry,
		exec:     exec,
		activity: log,
		logger:   logger.With().Str("component", "Orchestrator").Logger(),
		clock:    time.Now,
	}
	if cfg.SingleFlight {
		o.group = &singleflight.Group{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// acquired is the outcome of one upstream acquisition. shared is set for
// callers that waited on another caller's fetch.
type acquired struct {
	payload   cache.Payload
	fetchedAt time.Time
	shared    bool
}

// FetchWithCache serves req from the cache or the upstream. A nil Result with
// a nil error means no fresh or usable stale data exists. The only errors
// returned are invalid requests and storage failures during the stale
// fallback read. A request TTL may not exceed the source's max stale age.
func (o *Orchestrator) FetchWithCache(ctx context.Context, req Request) (*Result, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidRequest)
	}
	if req.Fetch == nil {
		return nil, fmt.Errorf("%w: fetch function is required for key '%s'", ErrInvalidRequest, req.Key)
	}

	policy := o.registry.For(req.Source)
	ttl := policy.TTL
	if req.TTL != nil {
		if *req.TTL <= 0 {
			return nil, fmt.Errorf("%w: ttl must be positive for key '%s'", ErrInvalidRequest, req.Key)
		}
		if *req.TTL > policy.MaxStaleAge {
			return nil, fmt.Errorf("%w: ttl %s for key '%s' exceeds the max stale age %s",
				ErrInvalidRequest, *req.TTL, req.Key, policy.MaxStaleAge)
		}
		ttl = *req.TTL
	}
	allowStale := policy.AllowStaleFallback
	if req.AllowStale != nil {
		allowStale = *req.AllowStale
	}
	logger := o.logger.With().Str("key", req.Key).Str("source", req.Source).Logger()

	if !req.ForceRefresh {
		lookup, err := o.store.Get(ctx, req.Key, policy.LookupWindow(ttl))
		if err != nil {
			logger.Warn().Err(err).Msg("Cache read failed, treating as a miss.")
		} else if lookup != nil && lookup.Fresh {
			logger.Debug().Msg("Serving fresh cache entry.")
			o.record(ctx, activity.TypeCacheHit, req.Source, activity.StatusSuccess,
				fmt.Sprintf("Cache hit for %s", req.Key),
				map[string]interface{}{"cache_key": req.Key, "cached_at": lookup.CachedAt})
			return resultFromLookup(lookup), nil
		}
	}

	got, fetchErr := o.acquire(ctx, req, ttl)
	if fetchErr == nil {
		if got.shared {
			o.record(ctx, activity.TypeDataFetch, req.Source, activity.StatusSuccess,
				fmt.Sprintf("Received shared fetch for %s", req.Key),
				map[string]interface{}{"cache_key": req.Key, "shared": true})
		}
		return &Result{
			Key:       req.Key,
			Source:    req.Source,
			Kind:      req.Kind,
			Payload:   got.payload,
			Metadata:  req.Metadata,
			Fresh:     true,
			CachedAt:  got.fetchedAt,
			FetchedAt: got.fetchedAt,
		}, nil
	}

	// A cancelled caller still gets the stale answer and leaves its trail.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackReadTimeout)
	defer cancel()

	if allowStale {
		lookup, err := o.store.Get(ctx, req.Key, policy.FallbackWindow(ttl))
		if err != nil {
			logger.Error().Err(err).Msg("Stale fallback read failed.")
			o.record(ctx, activity.TypeDataFetch, req.Source, activity.StatusError,
				fmt.Sprintf("Fetch and stale fallback failed for %s", req.Key),
				map[string]interface{}{"cache_key": req.Key, "error": err.Error(), "fetch_error": fetchErr.Error()})
			return nil, fmt.Errorf("stale fallback for key '%s': %w", req.Key, err)
		}
		if lookup != nil {
			age := o.clock().Sub(lookup.CachedAt)
			logger.Warn().Err(fetchErr).Dur("age", age).Msg("Upstream failed, serving stale cache entry.")
			o.record(ctx, activity.TypeCacheFallback, req.Source, activity.StatusWarning,
				fmt.Sprintf("Serving stale data for %s", req.Key),
				map[string]interface{}{
					"cache_key":   req.Key,
					"cached_at":   lookup.CachedAt,
					"age_seconds": age.Seconds(),
					"error":       fetchErr.Error(),
				})
			res := resultFromLookup(lookup)
			res.Fresh = false
			return res, nil
		}
	}

	logger.Error().Err(fetchErr).Bool("stale_allowed", allowStale).Msg("Data unavailable: fetch failed and no usable cache entry.")
	o.record(ctx, activity.TypeDataFetch, req.Source, activity.StatusError,
		fmt.Sprintf("Data unavailable for %s", req.Key),
		map[string]interface{}{"cache_key": req.Key, "error": fetchErr.Error(), "stale_allowed": allowStale})
	return nil, nil
}

// acquire runs the upstream fetch, sharing it between concurrent callers of
// the same key when single-flight is enabled.
func (o *Orchestrator) acquire(ctx context.Context, req Request, ttl time.Duration) (*acquired, error) {
	if o.group == nil {
		return o.fetchAndStore(ctx, req, ttl)
	}
	leader := false
	v, err, _ := o.group.Do(req.Key, func() (interface{}, error) {
		leader = true
		return o.fetchAndStore(ctx, req, ttl)
	})
	if err != nil {
		return nil, err
	}
	// Every caller gets its own copy; the shared value is never handed out.
	got := v.(*acquired)
	payload, err := clonePayload(got.payload)
	if err != nil {
		return nil, err
	}
	return &acquired{payload: payload, fetchedAt: got.fetchedAt, shared: !leader}, nil
}

func (o *Orchestrator) fetchAndStore(ctx context.Context, req Request, ttl time.Duration) (*acquired, error) {
	attempts := 0
	payload, err := retry.Do(ctx, o.exec, func(ctx context.Context) (cache.Payload, error) {
		attempts++
		return req.Fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	fetchedAt := o.clock().UTC()

	setErr := o.store.Set(ctx, cache.SetRequest{
		Key:      req.Key,
		Payload:  payload,
		Source:   req.Source,
		Kind:     req.Kind,
		TTL:      ttl,
		Metadata: req.Metadata,
	})
	if setErr != nil {
		o.logger.Error().Err(setErr).Str("key", req.Key).Msg("Failed to cache fetched payload; serving it uncached.")
		o.record(ctx, activity.TypeCacheWrite, req.Source, activity.StatusError,
			fmt.Sprintf("Cache write failed for %s", req.Key),
			map[string]interface{}{"cache_key": req.Key, "error": setErr.Error()})
	}

	o.record(ctx, activity.TypeDataFetch, req.Source, activity.StatusSuccess,
		fmt.Sprintf("Fetched fresh data for %s", req.Key),
		map[string]interface{}{"cache_key": req.Key, "attempts": attempts, "ttl_seconds": ttl.Seconds(), "cached": setErr == nil})
	return &acquired{payload: payload, fetchedAt: fetchedAt}, nil
}

func (o *Orchestrator) record(ctx context.Context, typ activity.Type, source string, status activity.Status, msg string, metadata map[string]interface{}) {
	o.activity.Record(ctx, activity.Event{
		Type:      typ,
		Source:    source,
		Status:    status,
		Message:   msg,
		Metadata:  metadata,
		Timestamp: o.clock().UTC(),
	})
}

func resultFromLookup(l *cache.Lookup) *Result {
	return &Result{
		Key:      l.Key,
		Source:   l.Source,
		Kind:     l.Kind,
		Payload:  l.Payload,
		Metadata: l.Metadata,
		Fresh:    l.Fresh,
		CachedAt: l.CachedAt,
	}
}

func clonePayload(p cache.Payload) (cache.Payload, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to copy shared payload: %w", err)
	}
	var out cache.Payload
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to copy shared payload: %w", err)
	}
	return out, nil
}
