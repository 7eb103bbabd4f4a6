// Package security provides the security plumbing shared by the engine packages.
//
// # Clock
//
// Every lifetime decision (code, token and device expiry, key pruning, session validity)
// reads time through the Clock interface. Production code uses SystemClock; tests inject
// internal/testutil.MockTime to move time deterministically.
//
// # Audit Logging
//
// Auditor writes "security_audit" records through log/slog. User identifiers are hashed
// with SHA-256 before they reach the log.
//
// # Event Rate Limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate) with LRU eviction.
// The server uses it to throttle logging of repeated security events, keyed by
// user and client, so replay storms cannot flood log pipelines:
//
//	limiter := security.NewRateLimiter(1, 5, logger)
//	if limiter.Allow(userID + ":" + clientID) {
//	    logger.Error("Refresh token reuse detected", ...)
//	}
//
// # Encryption at Rest
//
// Encryptor seals signing key material with AES-256-GCM before it is written to a
// shared store such as Redis.
package security
