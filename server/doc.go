// Package server implements the grant and token issuance engine.
//
// The Server type wires specialized engines over the storage ports:
//   - AuthorizationCodeEngine: code issuance and single-use redemption with PKCE
//   - DeviceAuthorizationEngine: the RFC 8628 polling state machine
//   - RefreshTokenEngine: rotation with reuse detection and family revocation
//   - AccessTokenEngine: opaque bearer tokens
//   - TokenGrantDispatcher: routes token requests by grant_type
//   - session.Engine over a keyset.KeySet: signed browser sessions
//
// Key Features:
//   - Exactly-once consumption of codes, refresh tokens and approved device
//     authorizations through conditional writes in the store
//   - Token families: every code and device authorization names the family of tokens
//     minted from it, so reuse of either revokes everything issued from it
//   - Lazy expiry against an injectable security.Clock; the engine owns no timers
//   - Security auditing with hashed PII and rate-limited security events
//   - OpenTelemetry metrics and spans
//
// HTTP routing and serialization live outside this package. Errors are sentinel values
// (ErrCodeAlreadyUsed, ErrReuseDetected, ...) that ErrorCode maps to RFC 6749 codes.
//
// Example usage:
//
//	store := memory.New()
//	keys, err := keyset.New(ctx, keyset.NewMemoryStore(), keyset.Config{MaxTokenTTL: 24 * time.Hour})
//
//	srv, err := server.New(server.Stores{
//	    Clients:       store,
//	    Codes:         store,
//	    Devices:       store,
//	    RefreshTokens: store,
//	    AccessTokens:  store,
//	}, keys, &server.Config{Issuer: "https://auth.example.com"}, logger)
//
//	client, err := srv.AuthenticateClient(ctx, clientID, clientSecret)
//	resp, err := srv.Dispatch(ctx, &server.TokenRequest{
//	    GrantType:    server.GrantTypeAuthorizationCode,
//	    Client:       client,
//	    Code:         code,
//	    RedirectURI:  redirectURI,
//	    CodeVerifier: verifier,
//	})
package server
