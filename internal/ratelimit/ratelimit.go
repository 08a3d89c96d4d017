// Package ratelimit implements a keyed token bucket limiter for gateway requests.
// Buckets refill lazily on each call; idle buckets are dropped during refill.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleAfter is how long a full, untouched bucket is kept before it is dropped.
const idleAfter = 10 * time.Minute

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // 0 = unlimited
	BurstSize         int // 0 = RequestsPerMinute
}

// Limiter hands each key (a user id or a remote address) its own bucket.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64
	now       func() time.Time
	lastSweep time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter. With RequestsPerMinute 0 every call is allowed.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow consumes one token for key or returns ErrRateLimited.
func (l *Limiter) Allow(key string) error {
	_, err := l.Reserve(key)
	return err
}

// Reserve consumes one token for key. When the bucket is empty it returns
// ErrRateLimited together with the wait until the next token.
func (l *Limiter) Reserve(key string) (time.Duration, error) {
	if l.rate <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	}
	b.refill(now, l.rate, l.burst)

	if b.tokens < 1 {
		wait := time.Duration(math.Ceil((1-b.tokens)/l.rate*1000)) * time.Millisecond
		return wait, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}

// Len reports how many keys currently hold a bucket.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (b *bucket) refill(now time.Time, rate, burst float64) {
	b.tokens += now.Sub(b.lastFill).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastFill = now
}

// sweep drops idle buckets at most once per idleAfter. Caller holds l.mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleAfter {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.lastFill) >= idleAfter {
			delete(l.buckets, k)
		}
	}
}
