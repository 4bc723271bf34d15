package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	DefaultRequestsPerSecond = 5
	DefaultBurst             = 20
	DefaultMaxConcurrent     = 10
)

// ClientRateLimiter combines a token bucket with a cap on in-flight requests.
type ClientRateLimiter struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	maxConcurrent int
	inFlight      int
}

// NewClientRateLimiter creates a rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerSecond, DefaultBurst, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// A non-positive rate disables the token bucket.
func NewClientRateLimiterWithLimits(perSecond float64, burst, maxConcurrent int) *ClientRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(limit, burst),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire admits a request or returns the reason it was refused. An admitted
// request must be paired with Release.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, "too many concurrent requests"
	}
	if !r.limiter.Allow() {
		return false, "rate limit exceeded"
	}

	r.inFlight++
	return true, ""
}

// Release marks an admitted request as finished.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(perSecond float64, burst, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if perSecond <= 0 {
		r.limiter.SetLimit(rate.Inf)
	} else {
		r.limiter.SetLimit(rate.Limit(perSecond))
	}
	if burst > 0 {
		r.limiter.SetBurst(burst)
	}
	if maxConcurrent > 0 {
		r.maxConcurrent = maxConcurrent
	}
}

// InFlight returns the number of admitted, unreleased requests.
func (r *ClientRateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}
