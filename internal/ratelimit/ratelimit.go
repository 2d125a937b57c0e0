// Package ratelimit implements per-session sliding-window admission
// control. Each authenticated session owns its own limiter, so fairness
// is per-client rather than system-wide.
package ratelimit

import (
	"sync"
	"time"
)

// window is the rolling interval requests are counted over.
const window = time.Second

// Limiter admits at most limit requests inside any rolling one-second
// window. Safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	limit      int
	timestamps []time.Time

	now func() time.Time // stubbed in tests
}

// New creates a limiter admitting at most maxPerSecond requests.
func New(maxPerSecond int) *Limiter {
	return &Limiter{
		limit: maxPerSecond,
		now:   time.Now,
	}
}

// RecordAndCheck admits or rejects one request. Rejected requests are
// not recorded, so a client hammering the limit does not extend its own
// lockout.
func (l *Limiter) RecordAndCheck() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	if len(l.timestamps) >= l.limit {
		return false
	}
	l.timestamps = append(l.timestamps, now)
	return true
}

// UpdateLimit changes the ceiling without resetting recorded history.
func (l *Limiter) UpdateLimit(maxPerSecond int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = maxPerSecond
}

// Limit returns the current ceiling.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Pending returns the number of requests currently inside the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.timestamps)
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-window)
	keep := l.timestamps[:0]
	for _, ts := range l.timestamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	l.timestamps = keep
}
