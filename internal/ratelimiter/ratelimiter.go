// Package ratelimiter bounds sustained request throughput with a token
// bucket, wrapping golang.org/x/time/rate.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// unlimited stands in for rate.Inf; a huge finite rate avoids its
// burst-accounting edge cases.
const unlimited = 1_000_000_000

// RateLimiter is a token bucket: tokens refill at a constant rate, each
// request consumes one, and burst capacity absorbs short spikes.
//
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New builds a limiter allowing opsPerSecond sustained with the given
// burst capacity. Zero opsPerSecond means no limiting; zero burst
// defaults to one second worth of tokens.
func New(opsPerSecond, burst uint) *RateLimiter {
	if opsPerSecond == 0 {
		opsPerSecond = unlimited
		burst = unlimited
	}
	if burst == 0 {
		burst = opsPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(opsPerSecond), int(burst)),
	}
}

// Allow consumes a token if one is available. The non-blocking path:
// callers reject instead of queueing.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// AllowN consumes n tokens at once, or none.
func (r *RateLimiter) AllowN(n uint) bool {
	return r.limiter.AllowN(time.Now(), int(n))
}

// Wait blocks until a token is available or ctx is done. The throttling
// path: callers pace instead of rejecting.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens reports the current bucket level, for introspection. The value
// may be stale by the time the caller reads it.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
