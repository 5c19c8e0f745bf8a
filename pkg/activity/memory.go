package activity

import (
	"context"
	"sync"
	"time"
)

const defaultMemoryCapacity = 1000

// MemoryLog keeps the most recent events in a fixed-size ring buffer.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

// NewMemoryLog creates a log holding at most capacity events.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryLog{events: make([]Event, capacity)}
}

// Record appends an event, overwriting the oldest one when full.
func (l *MemoryLog) Record(_ context.Context, ev Event) {
	ev = stamp(ev, time.Now())
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = ev
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns up to limit events, newest first. A non-positive limit
// returns everything held.
func (l *MemoryLog) Recent(_ context.Context, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = len(l.events)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.events)) % len(l.events)
		out = append(out, l.events[idx])
	}
	return out, nil
}
