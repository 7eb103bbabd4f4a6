// Package lockrs is an OAuth 2.0 / 2.1 authorization server engine.
//
// The engine itself lives in the server package: authorization codes with PKCE, the
// device authorization grant, rotating refresh tokens with reuse detection, opaque access
// tokens and session tokens signed by a rotating key set. This package maps engine errors
// to protocol error responses:
//
//	resp, err := srv.Dispatch(ctx, req)
//	if err != nil {
//		lockrs.FromError(err).WriteTo(w)
//		return
//	}
//
// Storage backends live under storage/ (memory, valkey, postgres, cache) and the operator
// CLI under cmd/lockrsctl.
package lockrs
