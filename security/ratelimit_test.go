package security

import (
	"fmt"
	"testing"
	"time"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func TestRateLimiter_Allow(t *testing.T) {
	clock := &stepClock{now: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(1, 2, nil)
	rl.SetClock(clock)

	if !rl.Allow("user:client") || !rl.Allow("user:client") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("user:client") {
		t.Error("third event within the same instant should be limited")
	}
	if !rl.Allow("other:client") {
		t.Error("identifiers must be limited independently")
	}

	clock.now = clock.now.Add(time.Second)
	if !rl.Allow("user:client") {
		t.Error("bucket should refill after one second")
	}
}

func TestRateLimiter_NilAllowsEverything(t *testing.T) {
	var rl *RateLimiter
	for i := 0; i < 10; i++ {
		if !rl.Allow("x") {
			t.Fatal("nil limiter must allow")
		}
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 3, nil)
	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}
	if got := rl.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clock := &stepClock{now: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(1, 1, nil)
	rl.SetClock(clock)

	rl.Allow("old")
	clock.now = clock.now.Add(20 * time.Minute)
	rl.Allow("fresh")
	clock.now = clock.now.Add(15 * time.Minute)

	if removed := rl.Cleanup(30 * time.Minute); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if rl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rl.Len())
	}
}
