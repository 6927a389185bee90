// Package ratelimiter throttles noisy events such as repeated warnings from
// the queue monitor.
package ratelimiter

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket that also counts the events it rejected,
// so callers can report how much was suppressed once an event is allowed
// again.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// New creates a RateLimiter allowing perSecond events on average with
// bursts of up to burst events.
//
// perSecond = 0 disables limiting: every event is allowed.
func New(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Allow reports whether an event may happen now. Rejected events are
// counted until the next successful Allow.
func (r *RateLimiter) Allow() bool {
	if r.limiter.Allow() {
		return true
	}
	r.suppressed.Add(1)
	return false
}

// AllowWithSuppressed is Allow that also returns, on success, the number of
// events rejected since the previous successful call, resetting the count.
func (r *RateLimiter) AllowWithSuppressed() (bool, uint64) {
	if !r.Allow() {
		return false, 0
	}
	return true, r.suppressed.Swap(0)
}

// Wait blocks until an event is allowed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the number of tokens currently available.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
