package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/testutil"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
	"github.com/quasiuslikecautious/lockrs-sub001/storage/memory"
)

// countingStore counts backend lookups and can hold them until release is closed
type countingStore struct {
	*memory.Store
	lookups atomic.Int32
	release chan struct{}
}

func (s *countingStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.lookups.Add(1)
	if s.release != nil {
		<-s.release
	}
	return s.Store.GetClient(ctx, clientID)
}

func newBackend(t *testing.T) *countingStore {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	require.NoError(t, store.SaveClient(context.Background(), testutil.GenerateConfidentialClient()))
	return &countingStore{Store: store}
}

// readOnlyStore implements only storage.ClientStore
type readOnlyStore struct{}

func (readOnlyStore) GetClient(context.Context, string) (*storage.Client, error) {
	return nil, storage.ErrClientNotFound
}

func TestClientStore_CachesHits(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	store := NewClientStore(backend, Config{})

	for i := 0; i < 3; i++ {
		client, err := store.GetClient(ctx, testutil.ConfidentialClient)
		require.NoError(t, err)
		assert.Equal(t, testutil.ConfidentialClient, client.ID)
	}
	assert.Equal(t, int32(1), backend.lookups.Load())

	// Returned clients are copies
	client, err := store.GetClient(ctx, testutil.ConfidentialClient)
	require.NoError(t, err)
	client.Scopes[0] = "admin"
	again, err := store.GetClient(ctx, testutil.ConfidentialClient)
	require.NoError(t, err)
	assert.Equal(t, "read", again.Scopes[0])
}

func TestClientStore_NegativeCaching(t *testing.T) {
	tests := []struct {
		name        string
		negativeTTL time.Duration
		wantLookups int32
	}{
		{"enabled", time.Minute, 1},
		{"disabled", -1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			backend := newBackend(t)
			store := NewClientStore(backend, Config{NegativeTTL: tt.negativeTTL})

			for i := 0; i < 2; i++ {
				_, err := store.GetClient(ctx, "missing")
				assert.ErrorIs(t, err, storage.ErrClientNotFound)
			}
			assert.Equal(t, tt.wantLookups, backend.lookups.Load())
		})
	}
}

func TestClientStore_SharesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	backend.release = make(chan struct{})
	store := NewClientStore(backend, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := store.GetClient(ctx, testutil.ConfidentialClient)
			if assert.NoError(t, err) {
				assert.Equal(t, testutil.ConfidentialClient, client.ID)
			}
		}()
	}

	// Let the lookups pile up behind the first one before releasing it
	require.Eventually(t, func() bool { return backend.lookups.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	assert.Equal(t, int32(1), backend.lookups.Load())
}

func TestClientStore_SaveInvalidates(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	store := NewClientStore(backend, Config{})

	_, err := store.GetClient(ctx, testutil.ConfidentialClient)
	require.NoError(t, err)

	updated := testutil.GenerateConfidentialClient("read", "admin")
	require.NoError(t, store.SaveClient(ctx, updated))

	got, err := store.GetClient(ctx, testutil.ConfidentialClient)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "admin"}, got.Scopes)
	assert.Equal(t, int32(2), backend.lookups.Load())

	clients, err := store.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 1)
}

func TestClientStore_ReadOnlyBackend(t *testing.T) {
	ctx := context.Background()
	store := NewClientStore(readOnlyStore{}, Config{})

	assert.Error(t, store.SaveClient(ctx, testutil.GeneratePublicClient()))
	_, err := store.ListClients(ctx)
	assert.Error(t, err)

	_, err = store.GetClient(ctx, "anything")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
	assert.Equal(t, 1, store.Len())

	store.Flush()
	assert.Zero(t, store.Len())
}
