package server

import (
	"fmt"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	JoinLimit     int
	JoinWindow    time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

// rateLimiter applies a global token bucket plus a per-IP fixed window on
// join attempts. With Redis configured the join window is shared across
// replicas; otherwise each process keeps its own buckets.
type rateLimiter struct {
	global      *tokenBucket
	joinLimit   int
	joinWindow  time.Duration
	joinMu      sync.Mutex
	joinBuckets map[string]*ipLimiter
	store       joinCounterStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type joinCounterStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		joinLimit:   cfg.JoinLimit,
		joinWindow:  cfg.JoinWindow,
		joinBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.joinLimit <= 0 {
		rl.joinLimit = 0
	}
	if rl.joinWindow <= 0 {
		rl.joinWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.joinLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowJoin(key string) (bool, time.Duration, error) {
	if r == nil || r.joinLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		allowed, retryAfter, err := r.store.Allow(fmt.Sprintf("sportscast:join:%s", key), r.joinLimit, r.joinWindow)
		return allowed, retryAfter, err
	}
	if key == "" {
		key = "unknown"
	}
	r.joinMu.Lock()
	bucket, exists := r.joinBuckets[key]
	if !exists {
		rate := float64(r.joinLimit) / r.joinWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.joinWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.joinLimit)}
		r.joinBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.joinMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.joinBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.joinWindow)
	for key, bucket := range r.joinBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.joinBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
