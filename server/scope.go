package server

import (
	"fmt"
	"strings"

	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// MaxScopeLength bounds the raw scope string accepted from clients
const MaxScopeLength = 1000

// ScopeValidator checks requested scopes against client registrations, the server's
// supported scopes and previously granted scopes.
type ScopeValidator struct {
	supported map[string]struct{}
}

// NewScopeValidator creates a validator. An empty supported list accepts any
// well-formed scope.
func NewScopeValidator(supported []string) *ScopeValidator {
	v := &ScopeValidator{}
	if len(supported) > 0 {
		v.supported = make(map[string]struct{}, len(supported))
		for _, s := range supported {
			v.supported[s] = struct{}{}
		}
	}
	return v
}

// Parse splits a space-delimited scope string (RFC 6749 3.3) and checks token syntax
func (v *ScopeValidator) Parse(scope string) ([]string, error) {
	if len(scope) > MaxScopeLength {
		return nil, fmt.Errorf("%w: scope exceeds %d characters", ErrInvalidScope, MaxScopeLength)
	}
	scopes := strings.Fields(scope)
	if err := v.checkSyntax(scopes); err != nil {
		return nil, err
	}
	return dedupe(scopes), nil
}

// ForClient validates scopes requested at authorization time. An empty request grants
// everything the client is registered for. Clients registered without scopes are limited
// only by the supported scope list.
func (v *ScopeValidator) ForClient(requested []string, client *storage.Client) ([]string, error) {
	if err := v.checkSupported(requested); err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return storage.CloneScopes(client.Scopes), nil
	}

	requested = dedupe(requested)
	if len(client.Scopes) > 0 && !isSubset(requested, client.Scopes) {
		// The message stays generic so clients cannot enumerate registered scopes
		return nil, fmt.Errorf("%w: client is not authorized for one or more requested scopes", ErrInvalidScope)
	}
	return requested, nil
}

// Narrow validates scopes requested at the token endpoint against the scopes of the
// grant being exchanged. An empty request keeps the granted set; a strict subset narrows
// it; anything wider fails with ErrScopeExceeded and is never silently dropped.
func (v *ScopeValidator) Narrow(requested, granted []string) ([]string, error) {
	if err := v.checkSyntax(requested); err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return storage.CloneScopes(granted), nil
	}

	requested = dedupe(requested)
	if !isSubset(requested, granted) {
		return nil, ErrScopeExceeded
	}
	return requested, nil
}

// checkSupported rejects malformed scopes and scopes outside the supported list
func (v *ScopeValidator) checkSupported(scopes []string) error {
	if err := v.checkSyntax(scopes); err != nil {
		return err
	}
	for _, s := range scopes {
		if !v.isSupported(s) {
			return fmt.Errorf("%w: unsupported scope", ErrInvalidScope)
		}
	}
	return nil
}

func (v *ScopeValidator) isSupported(scope string) bool {
	if v.supported == nil {
		return true
	}
	_, ok := v.supported[scope]
	return ok
}

// checkSyntax enforces the RFC 6749 scope-token charset: %x21 / %x23-5B / %x5D-7E
func (v *ScopeValidator) checkSyntax(scopes []string) error {
	for _, s := range scopes {
		if s == "" {
			return fmt.Errorf("%w: empty scope token", ErrInvalidScope)
		}
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c < 0x21 || c > 0x7e || c == '"' || c == '\\' {
				return fmt.Errorf("%w: invalid character in scope", ErrInvalidScope)
			}
		}
	}
	return nil
}

func isSubset(requested, allowed []string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// dedupe removes repeated scopes preserving first-seen order
func dedupe(scopes []string) []string {
	if len(scopes) < 2 {
		return storage.CloneScopes(scopes)
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
