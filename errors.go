package lockrs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/quasiuslikecautious/lockrs-sub001/keyset"
	"github.com/quasiuslikecautious/lockrs-sub001/server"
	"github.com/quasiuslikecautious/lockrs-sub001/session"
)

// OAuthError is a protocol error response (RFC 6749 section 5.2, RFC 8628 section 3.5,
// RFC 6750 section 3.1)
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`

	// Retryable is set when the same request may succeed later (storage outages)
	Retryable bool `json:"-"`

	err error
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the engine error the response was built from
func (e *OAuthError) Unwrap() error {
	return e.err
}

// NewOAuthError creates an OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// sessionErrors are reported as invalid_token; the engine's own table does not know them
var sessionErrors = []error{
	session.ErrUnknownKeyVersion,
	session.ErrBadSignature,
	session.ErrExpired,
	session.ErrNotYetValid,
	session.ErrMalformed,
}

// FromError maps an engine error to its protocol response. Errors the engine does not
// classify become server_error without leaking their text. Returns nil for nil.
func FromError(err error) *OAuthError {
	if err == nil {
		return nil
	}

	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	code := server.ErrorCode(err)
	if code == server.ErrorCodeServerError {
		for _, target := range sessionErrors {
			if errors.Is(err, target) {
				code = server.ErrorCodeInvalidToken
				break
			}
		}
	}

	description := err.Error()
	switch {
	case code == server.ErrorCodeServerError && errors.Is(err, keyset.ErrNoActiveKey):
		description = "no signing key is available"
	case code == server.ErrorCodeServerError:
		description = "internal server error"
	case code == server.ErrorCodeTemporarilyUnavailable:
		description = "the service is temporarily unavailable"
	case code == server.ErrorCodeInvalidClient:
		description = "client authentication failed"
	}

	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      StatusFor(code),
		Retryable:   server.IsRetryable(err),
		err:         err,
	}
}

// StatusFor returns the HTTP status of a protocol error code
func StatusFor(code string) int {
	switch code {
	case server.ErrorCodeInvalidClient, server.ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case server.ErrorCodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	case server.ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// WriteTo writes e as a JSON error response
func (e *OAuthError) WriteTo(w http.ResponseWriter) {
	if e.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q", e.Code))
	}
	if e.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}
