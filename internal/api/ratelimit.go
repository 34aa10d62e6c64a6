package api

import (
	"net/http"
	"sync"
	"time"
)

// KeyFunc selects the bucket a request is charged to
type KeyFunc func(r *http.Request) string

// RateLimiter implements token bucket rate limiting per key
type RateLimiter struct {
	requestsPerSecond float64
	burstSize         int
	keyFunc           KeyFunc
	buckets           map[string]*bucket
	mu                sync.RWMutex
	cleanupInterval   time.Duration
	stop              chan struct{}
	stopOnce          sync.Once
}

// bucket tracks rate limit state for a single key
type bucket struct {
	tokens      float64
	lastUpdated time.Time
	mu          sync.Mutex
}

// NewRateLimiter creates a new rate limiter
// requestsPerSecond: sustained rate limit (e.g., 2.0 = 2 requests per second)
// burstSize: maximum burst of requests allowed (e.g., 5)
func NewRateLimiter(requestsPerSecond float64, burstSize int, keyFunc KeyFunc) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 2.0
	}
	if burstSize <= 0 {
		burstSize = 5
	}

	rl := &RateLimiter{
		requestsPerSecond: requestsPerSecond,
		burstSize:         burstSize,
		keyFunc:           keyFunc,
		buckets:           make(map[string]*bucket),
		cleanupInterval:   5 * time.Minute,
		stop:              make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks if a request charged to key should be allowed
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getBucket(key).allow(rl.requestsPerSecond, rl.burstSize)
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// getBucket gets or creates the bucket for a key
func (rl *RateLimiter) getBucket(key string) *bucket {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if exists {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists := rl.buckets[key]; exists {
		return b
	}

	b = &bucket{
		tokens:      float64(rl.burstSize),
		lastUpdated: time.Now(),
	}
	rl.buckets[key] = b
	return b
}

// allow takes one token if available
func (b *bucket) allow(rate float64, burst int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdated).Seconds()

	// Add tokens based on time elapsed
	b.tokens += elapsed * rate
	if b.tokens > float64(burst) {
		b.tokens = float64(burst)
	}

	b.lastUpdated = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}

	return false
}

// cleanupLoop periodically removes stale buckets
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup removes buckets that haven't been used recently
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cleanupInterval)
	for key, b := range rl.buckets {
		b.mu.Lock()
		lastUpdated := b.lastUpdated
		b.mu.Unlock()

		if lastUpdated.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// Middleware returns an HTTP middleware function for rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.keyFunc(r)) {
			RateLimitError(w, r, 1)
			return
		}

		next.ServeHTTP(w, r)
	})
}
