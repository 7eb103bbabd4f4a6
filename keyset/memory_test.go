package keyset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Rotate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Rotate(ctx, SigningKey{Version: "v1", Secret: []byte("one"), CreatedAt: now}, now))
	require.NoError(t, store.Rotate(ctx, SigningKey{Version: "v2", Secret: []byte("two"), CreatedAt: now}, now.Add(time.Minute)))

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	active := 0
	for _, k := range keys {
		if k.IsActive() {
			active++
			assert.Equal(t, "v2", k.Version)
		} else {
			require.NotNil(t, k.RetiredAt)
			assert.True(t, k.RetiredAt.Equal(now.Add(time.Minute)))
		}
	}
	assert.Equal(t, 1, active)

	err = store.Rotate(ctx, SigningKey{Version: "v2"}, now)
	assert.ErrorIs(t, err, ErrRotationConflict)
}

func TestMemoryStore_ListKeysReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Rotate(ctx, SigningKey{Version: "v1", Secret: []byte("one")}, now))

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	keys[0].Secret[0] = 'X'

	keys, err = store.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), keys[0].Secret)
}

func TestMemoryStore_DeleteRetiredBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Rotate(ctx, SigningKey{Version: "v1"}, now))
	require.NoError(t, store.Rotate(ctx, SigningKey{Version: "v2"}, now))
	require.NoError(t, store.Rotate(ctx, SigningKey{Version: "v3"}, now.Add(time.Hour)))

	removed, err := store.DeleteRetiredBefore(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only v1 retired before the cutoff")

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
