package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// DefaultTokenBytes is the entropy of every opaque credential the engine mints.
const DefaultTokenBytes = 32

// GenerateToken returns n random bytes encoded as unpadded base64url.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		n = DefaultTokenBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SafeTruncate truncates s to maxLen bytes without panicking.
// A negative maxLen yields the empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// SplitScope splits a space-delimited scope string, dropping empty entries.
func SplitScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// JoinScope renders scopes as a space-delimited string.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
