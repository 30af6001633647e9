// Package ratelimit paces how fast virtual users are spawned.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter admits events at a fractional rate per second. A rate <= 0
// disables limiting.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewRateLimiter returns a limiter admitting perSecond events per second
// with a burst of one, so a ramp of 0.5 spawns one user every two seconds.
func NewRateLimiter(perSecond float64) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(limitFor(perSecond), 1)}
}

// Wait blocks until the next event is admitted or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.RLock()
	limiter := r.limiter
	r.mu.RUnlock()

	if limiter.Limit() == rate.Inf {
		return ctx.Err()
	}
	return limiter.Wait(ctx)
}

// SetRate changes the admission rate. Pending waiters observe the new rate.
func (r *RateLimiter) SetRate(perSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimit(limitFor(perSecond))
}

// Rate returns the current rate, or 0 when unlimited.
func (r *RateLimiter) Rate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l := r.limiter.Limit(); l != rate.Inf {
		return float64(l)
	}
	return 0
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}
