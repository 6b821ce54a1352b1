// Package ratelimit caps requests per client API key over a one minute
// window. The in-memory limiter serves a single instance; the Redis one is
// shared by every gateway replica.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const window = time.Minute

// RateLimiter reports whether one more request from key fits in limit,
// how many remain and when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*counter
	now     func() time.Time
	swept   time.Time
}

type counter struct {
	count   int
	resetAt time.Time
}

type Option func(*InMemoryRateLimiter)

func WithClock(now func() time.Time) Option {
	return func(r *InMemoryRateLimiter) { r.now = now }
}

func NewInMemoryRateLimiter(opts ...Option) *InMemoryRateLimiter {
	r := &InMemoryRateLimiter{
		windows: make(map[string]*counter),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweep(now)

	c, ok := r.windows[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(window)}
		r.windows[key] = c
	}

	if c.count >= limit {
		return false, 0, c.resetAt, nil
	}
	c.count++
	return true, limit - c.count, c.resetAt, nil
}

// sweep drops expired windows at most once per window length.
func (r *InMemoryRateLimiter) sweep(now time.Time) {
	if now.Sub(r.swept) < window {
		return
	}
	r.swept = now
	for key, c := range r.windows {
		if !now.Before(c.resetAt) {
			delete(r.windows, key)
		}
	}
}

func (r *InMemoryRateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
