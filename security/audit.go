package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	clock   Clock
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		clock:   SystemClock,
	}
}

// SetClock replaces the timestamp source
func (a *Auditor) SetClock(c Clock) {
	a.clock = ClockOrSystem(c)
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
// Nil-safe so callers can hold an optional *Auditor.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.clock.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when an access token is minted
func (a *Auditor) LogTokenIssued(userID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a refresh token rotation
func (a *Auditor) LogTokenRefreshed(userID, clientID string, generation int) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"generation": generation,
		},
	})
}

// LogFamilyRevoked logs a token family revocation
func (a *Auditor) LogFamilyRevoked(userID, clientID, familyID, reason string, revoked int) {
	a.LogEvent(Event{
		Type:     EventTokenFamilyRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"family_id_hash": hashForLogging(familyID),
			"reason":         reason,
			"tokens_revoked": revoked,
		},
	})
}

// LogAuthFailure logs an authentication or validation failure
func (a *Auditor) LogAuthFailure(userID, clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
