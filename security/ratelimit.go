package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry tracks a token bucket and the last time its identifier was seen
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier token bucket limiting with LRU eviction.
// The engine uses it to throttle security event logging (reuse storms, PKCE probing)
// per user+client pair so an attacker cannot flood the logs.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	clock      Clock
	logger     *slog.Logger

	evictions int64
}

// NewRateLimiter creates a limiter allowing perSecond events per identifier with the
// given burst, tracking at most 10,000 identifiers.
func NewRateLimiter(perSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(perSecond, burst, 10000, logger)
}

// NewRateLimiterWithConfig creates a limiter with a custom identifier cap.
// maxEntries <= 0 disables the cap.
func NewRateLimiterWithConfig(perSecond float64, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters:   make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(perSecond),
		burst:      burst,
		maxEntries: maxEntries,
		clock:      SystemClock,
		logger:     logger,
	}
}

// SetClock replaces the time source used for token bucket refills
func (rl *RateLimiter) SetClock(c Clock) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.clock = ClockOrSystem(c)
}

// Allow reports whether an event for identifier may proceed. Nil-safe: a nil limiter
// allows everything.
func (rl *RateLimiter) Allow(identifier string) bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lru.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently used identifier. Caller holds mu.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.limiters))
}

// Cleanup removes identifiers idle for longer than maxIdle and returns how many were removed
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	removed := 0

	// LRU order: once an entry is fresh enough, everything in front of it is too
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	return removed
}

// Len returns the number of tracked identifiers
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
