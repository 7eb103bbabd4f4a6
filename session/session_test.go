package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/testutil"
	"github.com/quasiuslikecautious/lockrs-sub001/keyset"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, sessionTTL, maxTokenTTL time.Duration) (*Engine, *keyset.KeySet, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(epoch)
	keys, err := keyset.New(context.Background(), keyset.NewMemoryStore(), keyset.Config{
		MaxTokenTTL: maxTokenTTL,
		Clock:       clock,
	})
	require.NoError(t, err)
	return New(keys, Config{TTL: sessionTTL, Clock: clock}), keys, clock
}

func TestSignVerify(t *testing.T) {
	engine, keys, _ := setup(t, time.Hour, 2*time.Hour)
	ctx := context.Background()

	token, err := engine.Sign(ctx, Claims{UserID: testutil.TestUserID})
	require.NoError(t, err)

	claims, err := engine.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestUserID, claims.UserID)
	assert.Equal(t, keys.Active().Version, claims.KeyVersion)
	assert.True(t, claims.IssuedAt.Equal(epoch))
	assert.True(t, claims.NotBefore.Equal(epoch))
	assert.True(t, claims.ExpiresAt.Equal(epoch.Add(time.Hour)))
	assert.NotEmpty(t, claims.ID)
}

func TestSign_KidHeaderMatchesKeyVersion(t *testing.T) {
	engine, keys, _ := setup(t, time.Hour, 2*time.Hour)

	token, err := engine.Sign(context.Background(), Claims{UserID: "u"})
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, &tokenClaims{})
	require.NoError(t, err)
	assert.Equal(t, keys.Active().Version, parsed.Header["kid"])
	assert.Equal(t, "HS256", parsed.Header["alg"])
	assert.Equal(t, keys.Active().Version, parsed.Claims.(*tokenClaims).KeyVersion)
}

func TestSign_RequiresUserID(t *testing.T) {
	engine, _, _ := setup(t, time.Hour, 2*time.Hour)
	_, err := engine.Sign(context.Background(), Claims{})
	require.Error(t, err)
}

func TestVerify_AcrossRotation(t *testing.T) {
	engine, keys, clock := setup(t, 30*time.Minute, time.Hour)
	ctx := context.Background()

	before, err := engine.Sign(ctx, Claims{UserID: "u"})
	require.NoError(t, err)
	oldVersion := keys.Active().Version

	_, err = keys.Rotate(ctx, nil)
	require.NoError(t, err)

	claims, err := engine.Verify(ctx, before)
	require.NoError(t, err, "tokens signed before a rotation verify after it")
	assert.Equal(t, oldVersion, claims.KeyVersion)

	after, err := engine.Sign(ctx, Claims{UserID: "u"})
	require.NoError(t, err)
	claims, err = engine.Verify(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, keys.Active().Version, claims.KeyVersion)

	clock.Advance(time.Hour + time.Second)
	_, err = engine.Verify(ctx, before)
	assert.ErrorIs(t, err, ErrUnknownKeyVersion)
}

func TestVerify_Failures(t *testing.T) {
	engine, keys, clock := setup(t, time.Hour, 24*time.Hour)
	ctx := context.Background()

	valid, err := engine.Sign(ctx, Claims{UserID: "u"})
	require.NoError(t, err)

	forge := func(version string, secret []byte, method jwt.SigningMethod) string {
		tok := jwt.NewWithClaims(method, tokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "attacker",
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
			},
			KeyVersion: version,
		})
		s, err := tok.SignedString(secret)
		require.NoError(t, err)
		return s
	}

	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name:    "tampered signature",
			token:   tampered,
			wantErr: ErrBadSignature,
		},
		{
			name:    "wrong secret for active version",
			token:   forge(keys.Active().Version, []byte("0123456789abcdef0123456789abcdef"), jwt.SigningMethodHS256),
			wantErr: ErrBadSignature,
		},
		{
			name:    "unknown key version",
			token:   forge("not-a-version", keys.Active().Secret, jwt.SigningMethodHS256),
			wantErr: ErrUnknownKeyVersion,
		},
		{
			name:    "missing key version",
			token:   forge("", keys.Active().Secret, jwt.SigningMethodHS256),
			wantErr: ErrUnknownKeyVersion,
		},
		{
			name:    "disallowed algorithm",
			token:   forge(keys.Active().Version, keys.Active().Secret, jwt.SigningMethodHS512),
			wantErr: ErrBadSignature,
		},
		{
			name:    "garbage",
			token:   "not.a.jwt",
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Verify(ctx, tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerify_Expired(t *testing.T) {
	engine, _, clock := setup(t, time.Hour, 24*time.Hour)
	ctx := context.Background()

	token, err := engine.Sign(ctx, Claims{UserID: "u"})
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Second)
	_, err = engine.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_NotYetValid(t *testing.T) {
	engine, _, _ := setup(t, time.Hour, 24*time.Hour)
	ctx := context.Background()

	token, err := engine.Sign(ctx, Claims{
		UserID:    "u",
		NotBefore: epoch.Add(10 * time.Minute),
		ExpiresAt: epoch.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = engine.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrNotYetValid)
}

func TestVerify_Issuer(t *testing.T) {
	clock := testutil.NewMockTime(epoch)
	keys, err := keyset.New(context.Background(), keyset.NewMemoryStore(), keyset.Config{Clock: clock})
	require.NoError(t, err)

	a := New(keys, Config{Issuer: "https://a.example", Clock: clock})
	b := New(keys, Config{Issuer: "https://b.example", Clock: clock})

	token, err := a.Sign(context.Background(), Claims{UserID: "u"})
	require.NoError(t, err)

	_, err = a.Verify(context.Background(), token)
	require.NoError(t, err)

	_, err = b.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrBadSignature)
}
