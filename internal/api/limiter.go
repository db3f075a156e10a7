package api

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter wraps a token bucket limiting request admission across the
// whole API surface.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a token bucket admitting maxRequests per window with
// the given burst. A non-positive window disables limiting; a non-positive
// burst is bumped to 1.
func NewRateLimiter(maxRequests, burst int, window time.Duration) *RateLimiter {
	var rps rate.Limit
	if window > 0 && maxRequests > 0 {
		rps = rate.Limit(float64(maxRequests) / window.Seconds())
	} else {
		rps = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rps, burst)}
}

// Allow reports whether a request may proceed immediately.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}
