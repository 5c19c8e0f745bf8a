// Package freshness decides whether a cached value is fresh, stale but still
// usable as a fallback, or too old to be served at all.
package freshness

import (
	"fmt"
	"time"
)

// State classifies a cached entry relative to a Window.
type State int8

const (
	StateFresh    State = iota // within the freshness window
	StateStale                 // past the window but usable as a fallback
	StateExpired               // must be treated as a miss
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "expired"
	}
}

// Window describes which ages a cache lookup may return.
// An entry aged at most MaxAge is fresh. When AllowStale is set, an entry
// aged more than MaxAge but at most MaxStaleAge is stale. Anything else is
// expired.
type Window struct {
	MaxAge      time.Duration
	AllowStale  bool
	MaxStaleAge time.Duration
}

// Classify returns the state of an entry written at cachedAt, observed at now.
func Classify(cachedAt, now time.Time, w Window) State {
	age := now.Sub(cachedAt)
	if age <= w.MaxAge {
		return StateFresh
	}
	if w.AllowStale && age <= w.MaxStaleAge {
		return StateStale
	}
	return StateExpired
}

// Policy is the static freshness configuration for one upstream source.
type Policy struct {
	TTL                time.Duration
	AllowStaleFallback bool
	MaxStaleAge        time.Duration
}

// LookupWindow is the window used for the opportunistic cache-hit check.
func (p Policy) LookupWindow(ttl time.Duration) Window {
	return Window{MaxAge: ttl, AllowStale: p.AllowStaleFallback, MaxStaleAge: p.MaxStaleAge}
}

// FallbackWindow is the window used after an upstream failure. It accepts
// anything up to the policy's stale ceiling.
func (p Policy) FallbackWindow(ttl time.Duration) Window {
	return Window{MaxAge: ttl, AllowStale: true, MaxStaleAge: p.MaxStaleAge}
}

// Registry maps source identifiers to policies, with a default for sources
// that have no explicit entry.
type Registry struct {
	defaultPolicy Policy
	sources       map[string]Policy
}

// NewRegistry creates a Registry. The default policy must have a positive TTL
// and a stale ceiling no shorter than that TTL.
func NewRegistry(defaultPolicy Policy, sources map[string]Policy) (*Registry, error) {
	if err := defaultPolicy.validate(); err != nil {
		return nil, fmt.Errorf("invalid default policy: %w", err)
	}
	copied := make(map[string]Policy, len(sources))
	for name, p := range sources {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("invalid policy for source %q: %w", name, err)
		}
		copied[name] = p
	}
	return &Registry{defaultPolicy: defaultPolicy, sources: copied}, nil
}

// For returns the policy for a source, or the default policy.
func (r *Registry) For(source string) Policy {
	if p, ok := r.sources[source]; ok {
		return p
	}
	return r.defaultPolicy
}

// Default returns the process-wide default policy.
func (r *Registry) Default() Policy {
	return r.defaultPolicy
}

func (p Policy) validate() error {
	if p.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", p.TTL)
	}
	if p.MaxStaleAge < p.TTL {
		return fmt.Errorf("max stale age %s is shorter than ttl %s", p.MaxStaleAge, p.TTL)
	}
	return nil
}
