package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE constants (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// PKCEVerifier checks code_verifier values against stored challenges.
type PKCEVerifier struct {
	// Strict enforces the RFC 7636 verifier length and character set
	Strict bool

	// RejectPlain refuses the plain method when a challenge is registered
	RejectPlain bool
}

// Verify reports whether verifier matches challenge under method. Unknown methods never
// match. Comparisons run in constant time.
func (p *PKCEVerifier) Verify(method, challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	if p.Strict && validateVerifierFormat(verifier) != nil {
		return false
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// NormalizeChallenge validates an authorization request's challenge and returns the
// method to store. An empty method with a challenge means plain (RFC 7636 4.3).
func (p *PKCEVerifier) NormalizeChallenge(challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", fmt.Errorf("%w: code_challenge_method without code_challenge", ErrInvalidRequest)
		}
		return "", nil
	}

	if method == "" {
		method = PKCEMethodPlain
	}

	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if p.RejectPlain {
			return "", fmt.Errorf("%w: '%s' code_challenge_method is not allowed", ErrInvalidRequest, PKCEMethodPlain)
		}
	default:
		return "", fmt.Errorf("%w: unsupported code_challenge_method: %s", ErrInvalidRequest, method)
	}

	if len(challenge) > MaxCodeVerifierLength {
		return "", fmt.Errorf("%w: code_challenge exceeds %d characters", ErrInvalidRequest, MaxCodeVerifierLength)
	}
	return method, nil
}

// validateVerifierFormat applies the RFC 7636 4.1 rules:
// 43-128 characters of [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
func validateVerifierFormat(verifier string) error {
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}
	return nil
}
