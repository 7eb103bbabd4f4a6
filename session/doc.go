// Package session signs and verifies browser session tokens.
//
// Sessions are HS256 JWTs signed with the active key of a keyset.KeySet. The payload
// carries a key_version claim naming the key; Verify resolves the key from that claim
// alone, so tokens signed before a rotation keep verifying until the retired key's
// window closes, after which they fail with ErrUnknownKeyVersion.
package session
