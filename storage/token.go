package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the hex SHA-256 digest used by persistent backends as the lookup key
// for codes and tokens. Raw credential values are never written to durable storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CloneScopes returns a copy of scopes so stored records never share backing arrays
// with caller-owned slices.
func CloneScopes(scopes []string) []string {
	if scopes == nil {
		return nil
	}
	out := make([]string, len(scopes))
	copy(out, scopes)
	return out
}

// Clone returns a deep copy of the client
func (c *Client) Clone() *Client {
	cp := *c
	cp.Scopes = CloneScopes(c.Scopes)
	cp.RedirectURIs = CloneScopes(c.RedirectURIs)
	cp.GrantTypes = CloneScopes(c.GrantTypes)
	return &cp
}

// Clone returns a deep copy of the authorization code
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	cp := *c
	cp.Scopes = CloneScopes(c.Scopes)
	return &cp
}

// Clone returns a deep copy of the device authorization
func (d *DeviceAuthorization) Clone() *DeviceAuthorization {
	cp := *d
	cp.Scopes = CloneScopes(d.Scopes)
	return &cp
}

// Clone returns a deep copy of the refresh token
func (t *RefreshToken) Clone() *RefreshToken {
	cp := *t
	cp.Scopes = CloneScopes(t.Scopes)
	return &cp
}

// Clone returns a deep copy of the access token
func (t *AccessToken) Clone() *AccessToken {
	cp := *t
	cp.Scopes = CloneScopes(t.Scopes)
	return &cp
}
