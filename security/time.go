package security

import (
	"time"
)

// Clock is the time source used by every lifetime decision in the engine.
// Tests inject a controllable implementation (see internal/testutil.MockTime).
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

// Now implements Clock
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock returns the wall clock in UTC
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// ClockOrSystem returns c, or SystemClock when c is nil
func ClockOrSystem(c Clock) Clock {
	if c == nil {
		return SystemClock
	}
	return c
}

// IsExpiredAt reports whether a credential expiring at expiresAt is expired at now.
// A credential is valid strictly before its expiry; gracePeriod extends that window
// to absorb clock skew between instances. A zero expiresAt never expires.
func IsExpiredAt(now, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt.Add(gracePeriod))
}

// IsExpiringSoon reports whether expiresAt falls within threshold of now
func IsExpiringSoon(now, expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.Add(threshold).After(expiresAt)
}
