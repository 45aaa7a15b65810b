package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a process-local fixed window limiter. Windows reset lazily
// on the first request after expiry; there is no background sweep.
type MemoryLimiter struct {
	mu      sync.Mutex
	rules   *Rules
	windows map[string]*window
	now     func() time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(rules *Rules) *MemoryLimiter {
	return &MemoryLimiter{
		rules:   rules,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (m *MemoryLimiter) CheckLimit(_ context.Context, userID int64, service string) (Result, error) {
	rule := m.rules.For(service)
	key := Key(userID, service)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		m.windows[key] = w
	}

	if w.count >= rule.Max {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  w.resetAt,
			RetryAfter: w.resetAt.Sub(now),
		}, nil
	}

	w.count++
	return Result{Allowed: true, Remaining: rule.Max - w.count, ResetTime: w.resetAt}, nil
}

func (m *MemoryLimiter) Reset(_ context.Context, userID int64, service string) error {
	m.mu.Lock()
	delete(m.windows, Key(userID, service))
	m.mu.Unlock()
	return nil
}

// Peek returns the current window's count and time to reset without counting a request.
func (m *MemoryLimiter) Peek(_ context.Context, userID int64, service string) (int, time.Duration, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[Key(userID, service)]
	if !ok || !now.Before(w.resetAt) {
		return 0, 0, nil
	}
	return w.count, w.resetAt.Sub(now), nil
}
