package server

import (
	"errors"

	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// Grant and credential errors. Engines wrap them with fmt.Errorf("%w: ...") so the
// caller can match with errors.Is and map them to protocol error codes.
var (
	// Request errors

	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnsupportedGrantType = errors.New("unsupported grant type")
	ErrUnauthorizedClient   = errors.New("client is not authorized for this grant type")
	ErrInvalidClient        = errors.New("client authentication failed")
	ErrInvalidScope         = errors.New("invalid scope")
	ErrScopeExceeded        = errors.New("requested scope exceeds the granted scope")
	ErrClientMismatch       = errors.New("credential was issued to another client")
	ErrAccessDenied         = errors.New("access denied")

	// Authorization codes

	ErrCodeNotFound       = errors.New("authorization code not found")
	ErrCodeExpired        = errors.New("authorization code expired")
	ErrCodeAlreadyUsed    = errors.New("authorization code already used")
	ErrRedirectMismatch   = errors.New("redirect URI does not match the authorization request")
	ErrInvalidRedirectURI = errors.New("redirect URI is not registered for the client")

	// PKCE

	ErrPKCEFailed   = errors.New("PKCE verification failed")
	ErrPKCERequired = errors.New("PKCE is required for this client")

	// Device authorization

	ErrDeviceNotFound        = errors.New("device authorization not found")
	ErrDeviceExpired         = errors.New("device authorization expired")
	ErrAlreadyDecided        = errors.New("device authorization already decided")
	ErrDeviceCodeAlreadyUsed = errors.New("device code already used")
	ErrAuthorizationPending  = errors.New("authorization pending")
	ErrSlowDown              = errors.New("slow down")

	// Refresh tokens

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")
	ErrRefreshTokenRevoked  = errors.New("refresh token revoked")
	ErrReuseDetected        = errors.New("refresh token reuse detected")

	// Access tokens

	ErrAccessTokenNotFound = errors.New("access token not found")
	ErrAccessTokenExpired  = errors.New("access token expired")
	ErrAccessTokenRevoked  = errors.New("access token revoked")

	// Sessions

	ErrUserAuthenticationFailed = errors.New("user authentication failed")
)

// IsRetryable reports whether a failed call may succeed when retried with backoff.
// Only storage outages are retryable; every other error is terminal for the request.
func IsRetryable(err error) bool {
	return errors.Is(err, storage.ErrUnavailable)
}

// Protocol error codes (RFC 6749 section 5.2, RFC 8628 section 3.5, RFC 6750 section 3.1)
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidClient          = "invalid_client"
	ErrorCodeInvalidGrant           = "invalid_grant"
	ErrorCodeUnauthorizedClient     = "unauthorized_client"
	ErrorCodeUnsupportedGrantType   = "unsupported_grant_type"
	ErrorCodeInvalidScope           = "invalid_scope"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeAuthorizationPending   = "authorization_pending"
	ErrorCodeSlowDown               = "slow_down"
	ErrorCodeExpiredToken           = "expired_token"
	ErrorCodeInvalidToken           = "invalid_token"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
	ErrorCodeServerError            = "server_error"
)

// errorCodes is checked in order; the first sentinel err wraps decides the code
var errorCodes = []struct {
	code    string
	matches []error
}{
	{ErrorCodeTemporarilyUnavailable, []error{storage.ErrUnavailable}},
	{ErrorCodeInvalidRequest, []error{ErrInvalidRequest, ErrPKCERequired, ErrInvalidRedirectURI}},
	{ErrorCodeInvalidClient, []error{ErrInvalidClient, storage.ErrClientNotFound}},
	{ErrorCodeUnauthorizedClient, []error{ErrUnauthorizedClient}},
	{ErrorCodeUnsupportedGrantType, []error{ErrUnsupportedGrantType}},
	{ErrorCodeInvalidScope, []error{ErrInvalidScope, ErrScopeExceeded}},
	{ErrorCodeAuthorizationPending, []error{ErrAuthorizationPending}},
	{ErrorCodeSlowDown, []error{ErrSlowDown}},
	{ErrorCodeAccessDenied, []error{ErrAccessDenied}},
	{ErrorCodeExpiredToken, []error{ErrDeviceExpired}},
	{ErrorCodeInvalidToken, []error{ErrAccessTokenNotFound, ErrAccessTokenExpired, ErrAccessTokenRevoked}},
	{ErrorCodeInvalidGrant, []error{
		ErrCodeNotFound, ErrCodeExpired, ErrCodeAlreadyUsed, ErrClientMismatch, ErrRedirectMismatch,
		ErrPKCEFailed, ErrDeviceNotFound, ErrDeviceCodeAlreadyUsed, ErrAlreadyDecided,
		ErrRefreshTokenNotFound, ErrRefreshTokenExpired, ErrRefreshTokenRevoked, ErrReuseDetected,
		ErrUserAuthenticationFailed,
	}},
}

// ErrorCode returns the protocol error code for err, or server_error for anything the
// engine does not classify.
func ErrorCode(err error) string {
	for _, entry := range errorCodes {
		for _, target := range entry.matches {
			if errors.Is(err, target) {
				return entry.code
			}
		}
	}
	return ErrorCodeServerError
}
