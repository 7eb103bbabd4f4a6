package lockrs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasiuslikecautious/lockrs-sub001/keyset"
	"github.com/quasiuslikecautious/lockrs-sub001/server"
	"github.com/quasiuslikecautious/lockrs-sub001/session"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

func TestOAuthError_Error(t *testing.T) {
	e := NewOAuthError(server.ErrorCodeInvalidRequest, "Missing required parameter", http.StatusBadRequest)
	assert.Equal(t, "invalid_request: Missing required parameter", e.Error())

	e = &OAuthError{Code: server.ErrorCodeServerError}
	assert.Equal(t, "server_error: ", e.Error())
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		status    int
		retryable bool
		desc      string
	}{
		{
			name:   "code replay",
			err:    server.ErrCodeAlreadyUsed,
			code:   "invalid_grant",
			status: http.StatusBadRequest,
			desc:   server.ErrCodeAlreadyUsed.Error(),
		},
		{
			name:   "wrapped PKCE failure",
			err:    fmt.Errorf("%w: code_verifier sent for a code issued without code_challenge", server.ErrPKCEFailed),
			code:   "invalid_grant",
			status: http.StatusBadRequest,
		},
		{name: "refresh reuse", err: server.ErrReuseDetected, code: "invalid_grant", status: http.StatusBadRequest},
		{name: "scope widening", err: server.ErrScopeExceeded, code: "invalid_scope", status: http.StatusBadRequest},
		{name: "unsupported grant", err: server.ErrUnsupportedGrantType, code: "unsupported_grant_type", status: http.StatusBadRequest},
		{name: "pending", err: server.ErrAuthorizationPending, code: "authorization_pending", status: http.StatusBadRequest},
		{name: "slow down", err: server.ErrSlowDown, code: "slow_down", status: http.StatusBadRequest},
		{name: "denied", err: server.ErrAccessDenied, code: "access_denied", status: http.StatusBadRequest},
		{name: "device expired", err: server.ErrDeviceExpired, code: "expired_token", status: http.StatusBadRequest},
		{
			name:   "client authentication",
			err:    server.ErrInvalidClient,
			code:   "invalid_client",
			status: http.StatusUnauthorized,
			desc:   "client authentication failed",
		},
		{name: "revoked access token", err: server.ErrAccessTokenRevoked, code: "invalid_token", status: http.StatusUnauthorized},
		{name: "unknown session key", err: session.ErrUnknownKeyVersion, code: "invalid_token", status: http.StatusUnauthorized},
		{name: "bad session signature", err: fmt.Errorf("verify: %w", session.ErrBadSignature), code: "invalid_token", status: http.StatusUnauthorized},
		{name: "expired session", err: session.ErrExpired, code: "invalid_token", status: http.StatusUnauthorized},
		{
			name:      "storage outage",
			err:       fmt.Errorf("failed to load refresh token: %w", storage.ErrUnavailable),
			code:      "temporarily_unavailable",
			status:    http.StatusServiceUnavailable,
			retryable: true,
			desc:      "the service is temporarily unavailable",
		},
		{
			name:   "no signing key",
			err:    keyset.ErrNoActiveKey,
			code:   "server_error",
			status: http.StatusInternalServerError,
			desc:   "no signing key is available",
		},
		{
			name:   "unclassified error hides its text",
			err:    errors.New("pq: connection string contains password=hunter2"),
			code:   "server_error",
			status: http.StatusInternalServerError,
			desc:   "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.retryable, got.Retryable)
			if tt.desc != "" {
				assert.Equal(t, tt.desc, got.Description)
			}
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestFromError_NilAndPassthrough(t *testing.T) {
	assert.Nil(t, FromError(nil))

	original := NewOAuthError(server.ErrorCodeInvalidRequest, "bad", http.StatusBadRequest)
	assert.Same(t, original, FromError(fmt.Errorf("handler: %w", original)))
}

func TestOAuthError_WriteTo(t *testing.T) {
	t.Run("bad request", func(t *testing.T) {
		rec := httptest.NewRecorder()
		FromError(server.ErrSlowDown).WriteTo(rec)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		assert.Empty(t, rec.Header().Get("WWW-Authenticate"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "slow_down", body["error"])
		assert.Equal(t, "slow down", body["error_description"])
	})

	t.Run("unauthorized", func(t *testing.T) {
		rec := httptest.NewRecorder()
		FromError(server.ErrAccessTokenExpired).WriteTo(rec)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, `Bearer error="invalid_token"`, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("retryable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		FromError(storage.ErrUnavailable).WriteTo(rec)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	})
}
