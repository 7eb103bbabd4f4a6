package valkey

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/testutil"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if the connection fails. Each test gets a unique prefix.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: fmt.Sprintf("lockrstest:%s:", t.Name()),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

// now returns the current time without a monotonic reading so stored and loaded
// timestamps compare equal
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// ============================================================
// Config and helper tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewWithClient_Defaults(t *testing.T) {
	s := NewWithClient(nil, Config{})
	assert.Equal(t, DefaultKeyPrefix, s.prefix)
	assert.Equal(t, DefaultRevokedFamilyRetentionDays*24*time.Hour, s.revokedFamilyRetention)
	assert.Equal(t, DefaultExpiredRetention, s.expiredRetention)
}

func TestRecordTTL(t *testing.T) {
	clock := testutil.NewMockTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewWithClient(nil, Config{ExpiredRetention: 30 * time.Minute})
	s.SetClock(clock)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      time.Duration
	}{
		{"future expiry", clock.Now().Add(10 * time.Minute), 40 * time.Minute},
		{"expired within retention", clock.Now().Add(-20 * time.Minute), 10 * time.Minute},
		{"long expired", clock.Now().Add(-time.Hour), minRecordTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.recordTTL(tt.expiresAt))
		})
	}
}

func TestSplitResult(t *testing.T) {
	tests := []struct {
		result     string
		wantStatus string
		wantData   string
	}{
		{`{"a":"b:c"}`, "", `{"a":"b:c"}`},
		{"NOT_FOUND", resultNotFound, ""},
		{`ALREADY_CONSUMED:{"x":"1:2"}`, resultConsumed, `{"x":"1:2"}`},
		{`FAMILY_REVOKED:{}`, resultFamilyRevoked, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.result, func(t *testing.T) {
			status, data := splitResult(tt.result)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantData, data)
		})
	}
}

func TestParseTime(t *testing.T) {
	ts, err := parseTime("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	want := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	ts, err = parseTime(formatTime(want))
	require.NoError(t, err)
	assert.True(t, want.Equal(ts))

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

// ============================================================
// ClientRegistry Tests
// ============================================================

func TestStore_Clients(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	client := testutil.GenerateConfidentialClient()
	require.NoError(t, store.SaveClient(ctx, client))

	got, err := store.GetClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, client.ID, got.ID)
	assert.Equal(t, client.Kind, got.Kind)
	assert.Equal(t, client.SecretHash, got.SecretHash)
	assert.Equal(t, client.Scopes, got.Scopes)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)

	_, err = store.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	require.NoError(t, store.SaveClient(ctx, testutil.GeneratePublicClient()))
	clients, err := store.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, testutil.ConfidentialClient, clients[0].ID)
	assert.Equal(t, testutil.PublicClient, clients[1].ID)
}

// ============================================================
// CodeStore Tests
// ============================================================

func TestStore_AuthorizationCode(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	issued := now()

	code := &storage.AuthorizationCode{
		Code:                "code-1",
		ClientID:            testutil.PublicClient,
		UserID:              testutil.TestUserID,
		RedirectURI:         testutil.RedirectURI,
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		Scopes:              []string{"read", "write"},
		FamilyID:            "fam-1",
		IssuedAt:            issued,
		ExpiresAt:           issued.Add(10 * time.Minute),
	}
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))
	assert.ErrorIs(t, store.SaveAuthorizationCode(ctx, code), storage.ErrConflict)

	got, err := store.GetAuthorizationCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "code-1", got.Code)
	assert.Equal(t, code.Scopes, got.Scopes)
	assert.Equal(t, "S256", got.CodeChallengeMethod)
	assert.True(t, code.ExpiresAt.Equal(got.ExpiresAt))
	assert.False(t, got.Consumed)

	consumedAt := issued.Add(time.Second)
	consumed, err := store.ConsumeAuthorizationCode(ctx, "code-1", consumedAt)
	require.NoError(t, err)
	assert.True(t, consumed.Consumed)
	assert.True(t, consumedAt.Equal(consumed.ConsumedAt))

	again, err := store.ConsumeAuthorizationCode(ctx, "code-1", issued.Add(2*time.Second))
	assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
	require.NotNil(t, again)
	assert.Equal(t, "fam-1", again.FamilyID)
	assert.True(t, consumedAt.Equal(again.ConsumedAt), "first consumption time is kept")

	_, err = store.ConsumeAuthorizationCode(ctx, "unknown", issued)
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	require.NoError(t, store.DeleteAuthorizationCode(ctx, "code-1"))
	_, err = store.GetAuthorizationCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func TestStore_ConsumeAuthorizationCode_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	issued := now()

	require.NoError(t, store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "race",
		ClientID:  testutil.PublicClient,
		FamilyID:  "fam-race",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(time.Minute),
	}))

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeAuthorizationCode(ctx, "race", issued)
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, storage.ErrAlreadyConsumed):
				losses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(19), losses.Load())
}

// ============================================================
// DeviceAuthStore Tests
// ============================================================

func TestStore_DeviceAuthorizationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	created := now()

	auth := &storage.DeviceAuthorization{
		DeviceCode: "device-1",
		UserCode:   "BCDFGHJK",
		ClientID:   testutil.PublicClient,
		Scopes:     []string{"read"},
		Status:     storage.DeviceStatusPending,
		FamilyID:   "fam-device",
		Interval:   5 * time.Second,
		CreatedAt:  created,
		ExpiresAt:  created.Add(10 * time.Minute),
	}
	require.NoError(t, store.SaveDeviceAuthorization(ctx, auth))

	dup := *auth
	dup.DeviceCode = "device-2"
	assert.ErrorIs(t, store.SaveDeviceAuthorization(ctx, &dup), storage.ErrConflict, "user code is taken")

	byUser, err := store.GetDeviceAuthorizationByUserCode(ctx, "BCDFGHJK")
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceStatusPending, byUser.Status)
	assert.Equal(t, 5*time.Second, byUser.Interval)

	// First poll: no previous poll recorded, interval unchanged
	prev, err := store.RecordDevicePoll(ctx, "device-1", created.Add(time.Second), 0)
	require.NoError(t, err)
	assert.True(t, prev.LastPolledAt.IsZero())

	// Second poll widens the interval and reports the first poll time
	prev, err = store.RecordDevicePoll(ctx, "device-1", created.Add(2*time.Second), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, created.Add(time.Second).Equal(prev.LastPolledAt))
	assert.Equal(t, 5*time.Second, prev.Interval)

	got, err := store.GetDeviceAuthorization(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, "device-1", got.DeviceCode)
	assert.Equal(t, 10*time.Second, got.Interval)

	_, err = store.ConsumeDeviceAuthorization(ctx, "device-1")
	assert.ErrorIs(t, err, storage.ErrConflict, "pending authorizations cannot be consumed")

	decided, err := store.DecideDeviceAuthorization(ctx, "BCDFGHJK", storage.DeviceStatusApproved, testutil.TestUserID, created.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceStatusApproved, decided.Status)
	assert.Equal(t, testutil.TestUserID, decided.UserID)

	again, err := store.DecideDeviceAuthorization(ctx, "BCDFGHJK", storage.DeviceStatusDenied, "someone-else", created.Add(4*time.Second))
	assert.ErrorIs(t, err, storage.ErrAlreadyDecided)
	require.NotNil(t, again)
	assert.Equal(t, storage.DeviceStatusApproved, again.Status)

	consumed, err := store.ConsumeDeviceAuthorization(ctx, "device-1")
	require.NoError(t, err)
	assert.True(t, consumed.Consumed)

	_, err = store.ConsumeDeviceAuthorization(ctx, "device-1")
	assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)

	_, err = store.DecideDeviceAuthorization(ctx, "ZZZZZZZZ", storage.DeviceStatusApproved, testutil.TestUserID, created)
	assert.ErrorIs(t, err, storage.ErrDeviceAuthorizationNotFound)
	_, err = store.RecordDevicePoll(ctx, "unknown", created, 0)
	assert.ErrorIs(t, err, storage.ErrDeviceAuthorizationNotFound)
}

// ============================================================
// Token Tests
// ============================================================

func TestStore_RefreshTokenFamily(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	issued := now()

	first := &storage.RefreshToken{
		Token:     "rt-1",
		FamilyID:  "fam-F",
		ClientID:  testutil.PublicClient,
		UserID:    testutil.TestUserID,
		Scopes:    []string{"read"},
		IssuedAt:  issued,
		ExpiresAt: issued.Add(time.Hour),
	}
	require.NoError(t, store.SaveRefreshToken(ctx, first))
	assert.ErrorIs(t, store.SaveRefreshToken(ctx, first), storage.ErrConflict)

	used, err := store.MarkRefreshTokenUsed(ctx, "rt-1", issued.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, used.Used)

	second := *first
	second.Token = "rt-2"
	second.Generation = 1
	require.NoError(t, store.SaveRefreshToken(ctx, &second))

	require.NoError(t, store.SaveAccessToken(ctx, &storage.AccessToken{
		Token:     "at-1",
		ClientID:  testutil.PublicClient,
		UserID:    testutil.TestUserID,
		Scopes:    []string{"read"},
		FamilyID:  "fam-F",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(10 * time.Minute),
	}))

	// Replaying the used token reports the reuse
	replayed, err := store.MarkRefreshTokenUsed(ctx, "rt-1", issued.Add(2*time.Minute))
	assert.ErrorIs(t, err, storage.ErrAlreadyConsumed)
	require.NotNil(t, replayed)
	assert.Equal(t, "fam-F", replayed.FamilyID)

	revokedAt := issued.Add(3 * time.Minute)
	n, err := store.RevokeRefreshTokenFamily(ctx, "fam-F", revokedAt)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.RevokeAccessTokensByFamily(ctx, "fam-F", revokedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Idempotent
	n, err = store.RevokeRefreshTokenFamily(ctx, "fam-F", revokedAt.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	rt2, err := store.GetRefreshToken(ctx, "rt-2")
	require.NoError(t, err)
	assert.True(t, rt2.Revoked())
	assert.True(t, revokedAt.Equal(rt2.RevokedAt))

	at, err := store.GetAccessToken(ctx, "at-1")
	require.NoError(t, err)
	assert.True(t, at.Revoked())

	_, err = store.MarkRefreshTokenUsed(ctx, "rt-2", revokedAt)
	assert.ErrorIs(t, err, storage.ErrFamilyRevoked)

	third := second
	third.Token = "rt-3"
	assert.ErrorIs(t, store.SaveRefreshToken(ctx, &third), storage.ErrFamilyRevoked)
	assert.ErrorIs(t, store.SaveAccessToken(ctx, &storage.AccessToken{
		Token:     "at-2",
		FamilyID:  "fam-F",
		ExpiresAt: issued.Add(time.Minute),
	}), storage.ErrFamilyRevoked)

	_, err = store.GetRefreshToken(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)
	_, err = store.MarkRefreshTokenUsed(ctx, "unknown", issued)
	assert.ErrorIs(t, err, storage.ErrRefreshTokenNotFound)
}

func TestStore_AccessTokenWithoutFamily(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	issued := now()

	token := &storage.AccessToken{
		Token:     "cc-token",
		ClientID:  testutil.ConfidentialClient,
		Scopes:    []string{"read", "write"},
		IssuedAt:  issued,
		ExpiresAt: issued.Add(time.Hour),
	}
	require.NoError(t, store.SaveAccessToken(ctx, token))
	assert.ErrorIs(t, store.SaveAccessToken(ctx, token), storage.ErrConflict)

	got, err := store.GetAccessToken(ctx, "cc-token")
	require.NoError(t, err)
	assert.Equal(t, token.Scopes, got.Scopes)
	assert.Empty(t, got.FamilyID)
	assert.False(t, got.Revoked())

	_, err = store.GetAccessToken(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrAccessTokenNotFound)
}

func TestStore_DeleteExpiredIsNoop(t *testing.T) {
	s := NewWithClient(nil, Config{})
	n, err := s.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
