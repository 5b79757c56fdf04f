package rate

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	reset time.Time
}

// MemoryLimiter keeps windows in process. Each replica counts on its own, so
// use RedisLimiter when the service runs more than once.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     int
	span      time.Duration
	windows   map[string]*window
	lastSweep time.Time
}

func NewMemory(limit int, span time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		span:    span,
		windows: map[string]*window{},
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		l.windows[key] = &window{count: 1, reset: now.Add(l.span)}
		return true, 0, nil
	}
	if w.count >= l.limit {
		return false, w.reset.Sub(now), nil
	}
	w.count++
	return true, 0, nil
}

// sweep drops expired windows at most once per span.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.span {
		return
	}
	for k, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, k)
		}
	}
	l.lastSweep = now
}
