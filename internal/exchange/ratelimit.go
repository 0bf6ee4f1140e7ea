// ratelimit.go implements token-bucket rate limiting for the Polymarket APIs.
//
// Data API reads are limited to 5 requests per second AND 100 requests per
// minute, shared across every read the bot performs (trade history, positions,
// portfolio values, profiles). Both buckets must yield a token before a
// request goes out. Order posts get their own small bucket so a burst of
// detected trades cannot hammer the CLOB.
//
// Buckets refill continuously (rather than in window-sized bursts) to avoid
// brushing against the hard limits.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by API category. Every Data API read
// waits on both the per-second and per-minute buckets; order posts wait on
// the Order bucket only.
type RateLimiter struct {
	DataSecond *TokenBucket // 5 req/s across all Data API reads
	DataMinute *TokenBucket // 100 req/min across all Data API reads
	Order      *TokenBucket // POST /order — placing new orders
}

// NewRateLimiter creates rate limiters tuned to the venue's published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		DataSecond: NewTokenBucket(5, 5),
		DataMinute: NewTokenBucket(100, 100.0/60.0),
		Order:      NewTokenBucket(10, 2),
	}
}

// WaitData blocks until both data buckets yield a token.
func (rl *RateLimiter) WaitData(ctx context.Context) error {
	if err := rl.DataSecond.Wait(ctx); err != nil {
		return err
	}
	return rl.DataMinute.Wait(ctx)
}
