package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/testutil"
)

func TestRefreshTokenEngine_RotationAndReuse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.exchange(t)
	token1 := first.RefreshToken
	stored1, err := env.store.GetRefreshToken(ctx, token1)
	require.NoError(t, err)
	assert.Equal(t, 1, stored1.Generation)

	access2, token2, err := env.srv.Refresh.Rotate(ctx, token1, testutil.PublicClient, nil)
	require.NoError(t, err)
	assert.Equal(t, stored1.FamilyID, token2.FamilyID)
	assert.Equal(t, 2, token2.Generation)
	assert.Equal(t, []string{"read", "write"}, token2.Scopes)

	_, _, err = env.srv.Refresh.Rotate(ctx, token1, testutil.PublicClient, nil)
	require.ErrorIs(t, err, ErrReuseDetected)

	_, _, err = env.srv.Refresh.Rotate(ctx, token2.Token, testutil.PublicClient, nil)
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)

	_, err = env.srv.ValidateAccessToken(ctx, access2.Token)
	assert.ErrorIs(t, err, ErrAccessTokenRevoked)
	_, err = env.srv.ValidateAccessToken(ctx, first.AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenRevoked)
}

func TestRefreshTokenEngine_Narrowing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.exchange(t).RefreshToken

	_, _, err := env.srv.Refresh.Rotate(ctx, token, testutil.PublicClient, []string{"read", "admin"})
	require.ErrorIs(t, err, ErrScopeExceeded)

	stored, err := env.store.GetRefreshToken(ctx, token)
	require.NoError(t, err)
	assert.False(t, stored.Used, "widening must not consume the token")

	access, next, err := env.srv.Refresh.Rotate(ctx, token, testutil.PublicClient, []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, access.Scopes)
	assert.Equal(t, []string{"read"}, next.Scopes)

	_, _, err = env.srv.Refresh.Rotate(ctx, next.Token, testutil.PublicClient, []string{"write"})
	assert.ErrorIs(t, err, ErrScopeExceeded, "a narrowed family cannot widen again")
}

func TestRefreshTokenEngine_Errors(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		clientID string
		expire   bool
		wantErr  error
	}{
		{name: "unknown token", token: "missing", wantErr: ErrRefreshTokenNotFound},
		{name: "client mismatch", clientID: testutil.ConfidentialClient, wantErr: ErrClientMismatch},
		{name: "expired", expire: true, wantErr: ErrRefreshTokenExpired},
		{name: "client mismatch beats expiry", clientID: testutil.ConfidentialClient, expire: true, wantErr: ErrClientMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			token := env.exchange(t).RefreshToken
			if tt.token != "" {
				token = tt.token
			}
			clientID := testutil.PublicClient
			if tt.clientID != "" {
				clientID = tt.clientID
			}
			if tt.expire {
				env.clock.Advance(DefaultRefreshTokenTTL)
			}

			_, _, err := env.srv.Refresh.Rotate(context.Background(), token, clientID, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRefreshTokenEngine_ConcurrentRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.exchange(t).RefreshToken

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		reuse     int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.srv.Refresh.Rotate(ctx, token, testutil.PublicClient, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrReuseDetected):
				reuse++
			default:
				assert.ErrorIs(t, err, ErrRefreshTokenRevoked)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, successes, 1)
	assert.GreaterOrEqual(t, reuse, 1)

	stored, err := env.store.GetRefreshToken(ctx, token)
	require.NoError(t, err)
	assert.True(t, stored.Revoked())
}

func TestRefreshTokenEngine_RevokeFamily(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.exchange(t)

	stored, err := env.store.GetRefreshToken(ctx, resp.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, env.srv.RevokeTokenFamily(ctx, stored.FamilyID))
	require.NoError(t, env.srv.RevokeTokenFamily(ctx, stored.FamilyID))

	_, _, err = env.srv.Refresh.Rotate(ctx, resp.RefreshToken, testutil.PublicClient, nil)
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)

	_, err = env.srv.ValidateAccessToken(ctx, resp.AccessToken)
	assert.ErrorIs(t, err, ErrAccessTokenRevoked)

	_, err = env.srv.Refresh.Issue(ctx, testutil.PublicClient, testutil.TestUserID, []string{"read"}, stored.FamilyID)
	assert.Error(t, err, "saves into a revoked family are rejected")
}

func TestRefreshTokenEngine_ReplayAfterExpiryRevokesFamily(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RefreshTokenTTL = time.Hour })
	ctx := context.Background()

	first := env.exchange(t)
	_, next, err := env.srv.Refresh.Rotate(ctx, first.RefreshToken, testutil.PublicClient, nil)
	require.NoError(t, err)

	env.clock.Advance(30 * time.Minute)
	_, third, err := env.srv.Refresh.Rotate(ctx, next.Token, testutil.PublicClient, nil)
	require.NoError(t, err)

	env.clock.Advance(45 * time.Minute)
	_, _, err = env.srv.Refresh.Rotate(ctx, first.RefreshToken, testutil.PublicClient, nil)
	require.ErrorIs(t, err, ErrReuseDetected, "a used token stays a replay after it expires")

	_, _, err = env.srv.Refresh.Rotate(ctx, third.Token, testutil.PublicClient, nil)
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)
}
