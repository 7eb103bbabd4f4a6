package server

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/testutil"
)

func TestDeviceAuthorizationEngine_Start(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.srv.StartDeviceAuthorization(context.Background(), testutil.PublicClient, []string{"read"})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.DeviceCode)
	assert.Regexp(t, `^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`, resp.UserCode)
	assert.Equal(t, testIssuer+"/device", resp.VerificationURI)
	assert.Equal(t, int64(600), resp.ExpiresIn)
	assert.Equal(t, int64(5), resp.Interval)

	complete, err := url.Parse(resp.VerificationURIComplete)
	require.NoError(t, err)
	assert.Equal(t, resp.UserCode, complete.Query().Get("user_code"))

	stored, err := env.store.GetDeviceAuthorization(context.Background(), resp.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, stored.Scopes)
	assert.NotEmpty(t, stored.FamilyID)
}

func TestDeviceAuthorizationEngine_StartErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.srv.StartDeviceAuthorization(ctx, testutil.PublicClient, []string{"admin"})
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = env.srv.StartDeviceAuthorization(ctx, "nobody", nil)
	assert.ErrorIs(t, err, ErrInvalidClient)

	restricted := testutil.GeneratePublicClient()
	restricted.ID = "code-only"
	restricted.GrantTypes = []string{GrantTypeAuthorizationCode}
	env.saveClient(t, restricted)
	_, err = env.srv.StartDeviceAuthorization(ctx, restricted.ID, nil)
	assert.ErrorIs(t, err, ErrUnauthorizedClient)

	alias := testutil.GeneratePublicClient()
	alias.ID = "device-alias"
	alias.GrantTypes = []string{GrantTypeDeviceCodeShort}
	env.saveClient(t, alias)
	_, err = env.srv.StartDeviceAuthorization(ctx, alias.ID, nil)
	assert.NoError(t, err)
}

func TestDeviceAuthorizationEngine_PollLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.srv.StartDeviceAuthorization(ctx, testutil.PublicClient, nil)
	require.NoError(t, err)

	result, err := env.srv.PollDeviceAuthorization(ctx, resp.DeviceCode, testutil.PublicClient)
	require.NoError(t, err)
	assert.Equal(t, PollAuthorizationPending, result.Status)
	assert.Equal(t, int64(5), result.Interval)

	env.clock.Advance(2 * time.Second)
	result, err = env.srv.PollDeviceAuthorization(ctx, resp.DeviceCode, testutil.PublicClient)
	require.NoError(t, err)
	assert.Equal(t, PollSlowDown, result.Status)
	assert.Equal(t, int64(10), result.Interval)

	env.clock.Advance(5 * time.Second)
	result, err = env.srv.PollDeviceAuthorization(ctx, resp.DeviceCode, testutil.PublicClient)
	require.NoError(t, err)
	assert.Equal(t, PollSlowDown, result.Status, "interval grew to 10s")
	assert.Equal(t, int64(15), result.Interval)

	userCode := strings.ToLower(strings.ReplaceAll(resp.UserCode, "-", " "))
	require.NoError(t, env.srv.ApproveDeviceAuthorization(ctx, userCode, testutil.TestUserID))

	env.clock.Advance(15 * time.Second)
	result, err = env.srv.PollDeviceAuthorization(ctx, resp.DeviceCode, testutil.PublicClient)
	require.NoError(t, err)
	assert.Equal(t, PollAccessGranted, result.Status)
	require.NotNil(t, result.Grant)
	assert.Equal(t, testutil.TestUserID, result.Grant.UserID)
	assert.Equal(t, testutil.PublicClient, result.Grant.ClientID)
	assert.Equal(t, []string{"read", "write"}, result.Grant.Scopes)

	env.clock.Advance(15 * time.Second)
	_, err = env.srv.PollDeviceAuthorization(ctx, resp.DeviceCode, testutil.PublicClient)
	assert.ErrorIs(t, err, ErrDeviceCodeAlreadyUsed)
}

func TestDeviceAuthorizationEngine_Deny(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.srv.StartDeviceAuthorization(ctx, testutil.PublicClient, nil)
	require.NoError(t, err)

	require.NoError(t, env.srv.DenyDeviceAuthorization(ctx, resp.UserCode))
	assert.ErrorIs(t, env.srv.ApproveDeviceAuthorization(ctx, resp.UserCode, testutil.TestUserID), ErrAlreadyDecided)
	assert.ErrorIs(t, env.srv.DenyDeviceAuthorization(ctx, resp.UserCode), ErrAlreadyDecided)

	result, err := env.srv.PollDeviceAuthorization(ctx, resp.DeviceCode, testutil.PublicClient)
	require.NoError(t, err)
	assert.Equal(t, PollAccessDenied, result.Status)
	assert.Nil(t, result.Grant)
}

func TestDeviceAuthorizationEngine_Expiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.srv.StartDeviceAuthorization(ctx, testutil.PublicClient, nil)
	require.NoError(t, err)

	env.clock.Advance(DefaultDeviceCodeTTL)

	result, err := env.srv.PollDeviceAuthorization(ctx, resp.DeviceCode, testutil.PublicClient)
	require.NoError(t, err)
	assert.Equal(t, PollExpired, result.Status)

	assert.ErrorIs(t, env.srv.ApproveDeviceAuthorization(ctx, resp.UserCode, testutil.TestUserID), ErrDeviceExpired)
}

func TestDeviceAuthorizationEngine_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.srv.StartDeviceAuthorization(ctx, testutil.PublicClient, nil)
	require.NoError(t, err)

	_, err = env.srv.PollDeviceAuthorization(ctx, "missing", testutil.PublicClient)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = env.srv.PollDeviceAuthorization(ctx, resp.DeviceCode, testutil.ConfidentialClient)
	assert.ErrorIs(t, err, ErrClientMismatch)

	assert.ErrorIs(t, env.srv.ApproveDeviceAuthorization(ctx, "BBBB-BBBB", testutil.TestUserID), ErrDeviceNotFound)
	assert.ErrorIs(t, env.srv.ApproveDeviceAuthorization(ctx, resp.UserCode, ""), ErrInvalidRequest)
}

func TestDeviceAuthorizationEngine_RejectedScopeKeepsApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.srv.StartDeviceAuthorization(ctx, testutil.PublicClient, []string{"read"})
	require.NoError(t, err)
	require.NoError(t, env.srv.ApproveDeviceAuthorization(ctx, resp.UserCode, testutil.TestUserID))

	_, err = env.srv.Devices.poll(ctx, resp.DeviceCode, testutil.PublicClient, []string{"read", "write"}, nil)
	require.ErrorIs(t, err, ErrScopeExceeded)

	env.clock.Advance(10 * time.Second)
	result, err := env.srv.Devices.poll(ctx, resp.DeviceCode, testutil.PublicClient, []string{"read"}, nil)
	require.NoError(t, err)
	assert.Equal(t, PollAccessGranted, result.Status)
}

func TestUserCodeFormatting(t *testing.T) {
	tests := []struct {
		in         string
		normalized string
		formatted  string
	}{
		{"BCDF-GHJK", "BCDFGHJK", "BCDF-GHJK"},
		{"bcdf-ghjk", "BCDFGHJK", "BCDF-GHJK"},
		{" bcdf ghjk ", "BCDFGHJK", "BCDF-GHJK"},
		{"BCD", "BCD", "BCD"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			normalized := NormalizeUserCode(tt.in)
			assert.Equal(t, tt.normalized, normalized)
			assert.Equal(t, tt.formatted, FormatUserCode(normalized))
		})
	}
}

func TestGenerateUserCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		code, err := generateUserCode()
		require.NoError(t, err)
		assert.Len(t, code, userCodeLength)
		for _, c := range code {
			assert.Contains(t, userCodeAlphabet, string(c))
		}
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 90)
}

func TestDeviceAuthorizationEngine_ConsumedStaysUsedAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.srv.StartDeviceAuthorization(ctx, testutil.PublicClient, nil)
	require.NoError(t, err)
	require.NoError(t, env.srv.ApproveDeviceAuthorization(ctx, resp.UserCode, testutil.TestUserID))

	result, err := env.srv.PollDeviceAuthorization(ctx, resp.DeviceCode, testutil.PublicClient)
	require.NoError(t, err)
	require.Equal(t, PollAccessGranted, result.Status)

	env.clock.Advance(DefaultDeviceCodeTTL + time.Minute)
	_, err = env.srv.PollDeviceAuthorization(ctx, resp.DeviceCode, testutil.PublicClient)
	assert.ErrorIs(t, err, ErrDeviceCodeAlreadyUsed)
}
