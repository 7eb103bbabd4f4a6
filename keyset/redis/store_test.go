package redis

import (
	"context"
	"os"
	"testing"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/testutil"
	"github.com/quasiuslikecautious/lockrs-sub001/keyset"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
)

// setupTestStore connects to REDIS_TEST_ADDR and skips the test when it is unset or unreachable.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	client := rdb.NewClient(&rdb.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	prefix := "lockrs-test:" + testutil.GenerateRandomString(12)
	t.Cleanup(func() {
		_ = client.Del(context.Background(), prefix, prefix+":active").Err()
		_ = client.Close()
	})

	return New(client, enc, prefix)
}

func TestStore_RotateAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Rotate(ctx, keyset.SigningKey{Version: "v1", Secret: []byte("secret-one"), CreatedAt: now}, now))
	require.NoError(t, store.Rotate(ctx, keyset.SigningKey{Version: "v2", Secret: []byte("secret-two"), CreatedAt: now}, now.Add(time.Minute)))

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	byVersion := map[string]keyset.SigningKey{}
	for _, k := range keys {
		byVersion[k.Version] = k
	}
	assert.Equal(t, []byte("secret-one"), byVersion["v1"].Secret)
	require.NotNil(t, byVersion["v1"].RetiredAt)
	assert.True(t, byVersion["v1"].RetiredAt.Equal(now.Add(time.Minute)))
	assert.True(t, byVersion["v2"].IsActive())
}

func TestStore_SecretsAreSealed(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Rotate(ctx, keyset.SigningKey{Version: "v1", Secret: []byte("plain-secret")}, now))

	raw, err := store.client.HGet(ctx, store.hashKey, "v1").Result()
	require.NoError(t, err)
	assert.NotContains(t, raw, "plain-secret")
}

func TestStore_DeleteRetiredBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Rotate(ctx, keyset.SigningKey{Version: "v1"}, now))
	require.NoError(t, store.Rotate(ctx, keyset.SigningKey{Version: "v2"}, now))
	require.NoError(t, store.Rotate(ctx, keyset.SigningKey{Version: "v3"}, now))

	removed, err := store.DeleteRetiredBefore(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestStore_WithKeySet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a, err := keyset.New(ctx, store, keyset.Config{})
	require.NoError(t, err)
	b, err := keyset.New(ctx, store, keyset.Config{})
	require.NoError(t, err)
	assert.Equal(t, a.Active().Version, b.Active().Version)

	rotated, err := a.Rotate(ctx, nil)
	require.NoError(t, err)

	got, ok := b.Get(ctx, rotated.Version)
	require.True(t, ok)
	assert.Equal(t, rotated.Secret, got.Secret)
}
