package providers

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter. The bucket holds at
// most one second's worth of tokens (minimum one).
type RateLimiter struct {
	mu sync.Mutex

	// Configuration
	rps      float64
	capacity float64

	// Token bucket state
	tokens     float64
	lastUpdate time.Time

	// Statistics
	totalConsumed int64
	totalWaited   time.Duration
	last429Time   time.Time
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable int           `json:"tokens_available"`
	RPS             float64       `json:"rps"`
	TotalConsumed   int64         `json:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited"`
	Last429Time     time.Time     `json:"last_429_time,omitempty"`
}

// NewRateLimiter creates a limiter allowing rps requests per second.
// A non-positive rate returns nil; a nil *RateLimiter never blocks.
func NewRateLimiter(rps float64) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	capacity := rps
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{
		rps:        rps,
		capacity:   capacity,
		tokens:     capacity,
		lastUpdate: time.Now(),
	}
}

// Wait blocks until a token is available or context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	for {
		r.mu.Lock()
		r.refill()

		if r.tokens >= 1.0 {
			r.tokens--
			r.totalConsumed++
			r.mu.Unlock()
			return nil
		}

		waitTime := time.Duration((1.0 - r.tokens) / r.rps * float64(time.Second))
		r.mu.Unlock()

		// Wait outside lock
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			r.mu.Lock()
			r.totalWaited += waitTime
			r.mu.Unlock()
		}
	}
}

// Record429 drains the bucket after a rate-limit response so that
// concurrent callers back off together.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.last429Time = time.Now()
	r.tokens = 0
	if retryAfter > 0 {
		// Push the refill clock forward so no token appears before retryAfter.
		r.tokens = -retryAfter.Seconds() * r.rps
	}
}

// Status returns current limiter status.
func (r *RateLimiter) Status() RateLimiterStatus {
	if r == nil {
		return RateLimiterStatus{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	return RateLimiterStatus{
		TokensAvailable: int(r.tokens),
		RPS:             r.rps,
		TotalConsumed:   r.totalConsumed,
		TotalWaited:     r.totalWaited,
		Last429Time:     r.last429Time,
	}
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	r.lastUpdate = now

	r.tokens += elapsed * r.rps
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
}
