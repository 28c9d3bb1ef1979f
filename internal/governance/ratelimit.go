package governance

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the limit applied to every key.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimiter keeps one token bucket per key (API token, client address,
// task queue). A zero RequestsPerSecond disables limiting.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimiterConfig
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates a keyed rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*rate.Limiter)}
	rl.Configure(config)
	return rl
}

// Configure replaces the limit; existing buckets keep their tokens.
func (rl *RateLimiter) Configure(config RateLimiterConfig) {
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond)
		if config.BurstSize < 1 {
			config.BurstSize = 1
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config = config
	for _, bucket := range rl.buckets {
		bucket.SetLimit(rate.Limit(config.RequestsPerSecond))
		bucket.SetBurst(config.BurstSize)
	}
}

func (rl *RateLimiter) bucket(key string) (*rate.Limiter, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.config.RequestsPerSecond <= 0 {
		return nil, false
	}
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
		rl.buckets[key] = bucket
	}
	return bucket, true
}

// Allow reports whether one more event for key fits in the limit.
func (rl *RateLimiter) Allow(key string) bool {
	bucket, ok := rl.bucket(key)
	if !ok {
		return true
	}
	return bucket.Allow()
}

// Wait blocks until an event for key is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	bucket, ok := rl.bucket(key)
	if !ok {
		return ctx.Err()
	}
	return bucket.Wait(ctx)
}

// Stats returns the tokens available per key.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, bucket := range rl.buckets {
		stats[key] = RateLimitStats{
			Limit:     float64(bucket.Limit()),
			BurstSize: bucket.Burst(),
			Available: bucket.Tokens(),
		}
	}
	return stats
}

// RateLimitStats exposes the state of one bucket.
type RateLimitStats struct {
	Limit     float64 `json:"limit"`
	BurstSize int     `json:"burst_size"`
	Available float64 `json:"available"`
}

// Headers writes the X-RateLimit-* headers for key.
func (rl *RateLimiter) Headers(w http.ResponseWriter, key string) {
	bucket, ok := rl.bucket(key)
	if !ok {
		return
	}
	remaining := int(bucket.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	reset := time.Now()
	if remaining == 0 && bucket.Limit() > 0 {
		reset = reset.Add(time.Duration(float64(time.Second) / float64(bucket.Limit())))
	}
	WriteRateLimitHeaders(w, bucket.Burst(), remaining, reset)
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetTime time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
}
