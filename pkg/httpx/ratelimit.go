package httpx

import (
	"context"
	"sync"
	"time"

	"github.com/moorhq/moor/pkg/errors"
)

// RateLimiter is a token bucket: tokens accrue at a constant rate up to
// a burst capacity and each request consumes one.
type RateLimiter struct {
	mu       sync.Mutex
	rate     float64
	burst    int
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per second
// with the given burst capacity. The bucket starts full.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastTime: time.Now(),
	}
}

// Allow consumes a token when one is available and reports whether the
// request may proceed.
func (l *RateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1.0 {
		l.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done. Cancellation
// returns a rate_limit error wrapping ctx.Err().
func (l *RateLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1.0 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		deficit := 1.0 - l.tokens
		waitTime := time.Duration(deficit / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(waitTime)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.KindRateLimit, "rate limit wait aborted")
		}
	}
}

// SetRate updates the refill rate.
func (l *RateLimiter) SetRate(rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate
}

// SetBurst updates the bucket capacity.
func (l *RateLimiter) SetBurst(burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if burst < 1 {
		burst = 1
	}
	l.burst = burst
	if l.tokens > float64(burst) {
		l.tokens = float64(burst)
	}
}

// refill adds tokens for the elapsed time. Caller holds the lock.
func (l *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.lastTime).Seconds()

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.lastTime = now
}
