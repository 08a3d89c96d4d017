package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = c.now
	return l, c
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("u"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if l.Len() != 0 {
		t.Errorf("unlimited limiter should not track keys, got %d", l.Len())
	}
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if err := l.Allow("u"); err != nil {
			t.Fatalf("burst call %d: %v", i, err)
		}
	}
	wait, err := l.Reserve("u")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if wait != time.Second {
		t.Errorf("wait = %s, want 1s", wait)
	}

	c.advance(time.Second)
	if err := l.Allow("u"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestLimiter_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})

	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("alice second call: %v", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Errorf("bob should have his own bucket: %v", err)
	}
}

func TestLimiter_IdleBucketsDropped(t *testing.T) {
	l, c := newTestLimiter(Config{RequestsPerMinute: 10})

	l.Allow("a")
	l.Allow("b")
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	c.advance(idleAfter + time.Second)
	l.Allow("c")
	if l.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1", l.Len())
	}
}
