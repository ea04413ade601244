// Package ratelimit throttles submission traffic per caller. Counters
// live in Redis when available so the limit holds across replicas, with
// an in-process fallback.
package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is a fixed-window counter keyed by caller.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]windowEntry
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]windowEntry),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = windowEntry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decision(curr.count, limit, curr.resetAt)
}

func decision(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// permissive is returned when no working counter backend exists; losing
// the limiter must not take submissions down with it.
func permissive(limit int, window time.Duration) Decision {
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   time.Now().UTC().Add(window),
	}
}
