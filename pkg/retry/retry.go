// Package retry runs an upstream operation with bounded retries and
// exponential backoff. It knows nothing about caching.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrExhausted matches every ExhaustedError via errors.Is.
	ErrExhausted = errors.New("retry attempts exhausted")
	// ErrEmptyResult is recorded when an operation returns an empty value without an error.
	ErrEmptyResult = errors.New("operation returned an empty result")
)

// ExhaustedError is returned when every attempt failed. It unwraps to the
// last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Is makes errors.Is(err, ErrExhausted) true for any ExhaustedError.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Emptier lets a result type decide for itself whether it is empty.
type Emptier interface {
	IsEmpty() bool
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config holds the retry parameters.
type Config struct {
	MaxAttempts int
	// BaseBackoff is the base, in seconds, of the exponential delay
	// BaseBackoff^attempt applied after failed attempt number attempt.
	BaseBackoff float64
	// MaxBackoff caps a single delay; zero means uncapped.
	MaxBackoff time.Duration
}

// Executor applies a Config. The zero value is not usable; use NewExecutor.
type Executor struct {
	cfg    Config
	sleep  Sleeper
	logger zerolog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSleeper replaces the context-aware timer used between attempts.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// NewExecutor validates cfg and creates an Executor.
func NewExecutor(cfg Config, logger zerolog.Logger, opts ...ExecutorOption) (*Executor, error) {
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseBackoff < 0 {
		return nil, fmt.Errorf("base backoff cannot be negative, got %v", cfg.BaseBackoff)
	}
	e := &Executor{
		cfg:    cfg,
		sleep:  sleepContext,
		logger: logger.With().Str("component", "RetryExecutor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the executor's parameters.
func (e *Executor) Config() Config {
	return e.cfg
}

// Backoff returns the delay applied after failed attempt number attempt (1-based).
func (e *Executor) Backoff(attempt int) time.Duration {
	nanos := math.Pow(e.cfg.BaseBackoff, float64(attempt)) * float64(time.Second)
	d := time.Duration(math.MaxInt64)
	if nanos < math.MaxInt64 {
		d = time.Duration(nanos)
	}
	if e.cfg.MaxBackoff > 0 && d > e.cfg.MaxBackoff {
		d = e.cfg.MaxBackoff
	}
	return d
}

// Do calls fn until it returns a non-empty value without error, or until the
// executor's attempts are used up. Errors and empty results are treated alike.
// A cancelled context stops the retry loop, including a sleep in progress.
func Do[V any](ctx context.Context, e *Executor, fn func(ctx context.Context) (V, error)) (V, error) {
	var zero V
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		value, err := fn(ctx)
		if err == nil && !IsEmpty(value) {
			if attempt > 1 {
				e.logger.Debug().Int("attempt", attempt).Msg("Operation succeeded after retrying.")
			}
			return value, nil
		}
		if err == nil {
			err = ErrEmptyResult
		}
		lastErr = err

		if attempt == e.cfg.MaxAttempts {
			break
		}
		delay := e.Backoff(attempt)
		e.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", e.cfg.MaxAttempts).
			Dur("backoff", delay).Msg("Attempt failed, retrying after backoff.")
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("retry aborted after attempt %d: %w", attempt, sleepErr)
		}
	}

	return zero, &ExhaustedError{Attempts: e.cfg.MaxAttempts, Last: lastErr}
}

// IsEmpty reports whether v counts as a soft failure: nil, the zero value, an
// empty map, slice or string, or an Emptier that says so.
func IsEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		if rv.IsNil() {
			return true
		}
	}
	if em, ok := v.(Emptier); ok {
		return em.IsEmpty()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.String, reflect.Array, reflect.Chan:
		return rv.Len() == 0
	case reflect.Pointer:
		return false
	default:
		return rv.IsZero()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
