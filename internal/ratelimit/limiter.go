// Package ratelimit paces request submission shared across every worker
// of a run.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter bounds SendRequest calls per second. A nil *RateLimiter or a
// zero rate never blocks.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	waited  atomic.Int64
}

// NewRateLimiter allows rps sends per second with a burst of one second's
// worth of sends.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst(rps)),
	}
}

func burst(rps int) int {
	if rps < 1 {
		return 1
	}
	return rps
}

// Wait blocks until the next send is allowed or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	r.mu.RLock()
	limiter := r.limiter
	limit := limiter.Limit()
	r.mu.RUnlock()

	r.waited.Add(1)
	if limit == 0 {
		return ctx.Err()
	}
	return limiter.Wait(ctx)
}

// SetRate changes the rate for every worker; zero disables pacing.
func (r *RateLimiter) SetRate(rps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimit(rate.Limit(rps))
	r.limiter.SetBurst(burst(rps))
}

// Rate returns the current sends per second.
func (r *RateLimiter) Rate() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(r.limiter.Limit())
}

// Admitted returns how many sends have passed through Wait.
func (r *RateLimiter) Admitted() int64 {
	if r == nil {
		return 0
	}
	return r.waited.Load()
}
