// Package cache provides a read-through cache for client registrations.
//
// Every token request looks its client up, so the engine is usually wired with
// NewClientStore wrapping the durable backend. Concurrent misses for the same client
// share one backend lookup.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

const (
	// DefaultTTL is how long a client registration is served from the cache
	DefaultTTL = time.Minute

	// DefaultNegativeTTL is how long an unknown client ID is remembered
	DefaultNegativeTTL = 10 * time.Second

	// cleanupInterval is how often expired entries are purged
	cleanupInterval = time.Minute
)

// Config configures a ClientStore
type Config struct {
	TTL         time.Duration // default: 1 minute
	NegativeTTL time.Duration // default: 10 seconds; negative disables negative caching
	Logger      *slog.Logger
}

// notFound marks a cached miss
type notFound struct{}

// ClientStore caches GetClient results of a backing store.
type ClientStore struct {
	backend     storage.ClientStore
	cache       *gocache.Cache
	group       singleflight.Group
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore    = (*ClientStore)(nil)
	_ storage.ClientRegistry = (*ClientStore)(nil)
)

// NewClientStore wraps backend with a cache
func NewClientStore(backend storage.ClientStore, cfg Config) *ClientStore {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.NegativeTTL == 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &ClientStore{
		backend:     backend,
		cache:       gocache.New(cfg.TTL, cleanupInterval),
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
		logger:      cfg.Logger,
	}
}

// GetClient returns the cached registration or loads it from the backend.
// Callers receive their own copy.
func (c *ClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if v, ok := c.cache.Get(clientID); ok {
		if client, ok := v.(*storage.Client); ok {
			return client.Clone(), nil
		}
		return nil, storage.ErrClientNotFound
	}

	v, err, shared := c.group.Do(clientID, func() (any, error) {
		client, err := c.backend.GetClient(ctx, clientID)
		if err != nil {
			if errors.Is(err, storage.ErrClientNotFound) && c.negativeTTL > 0 {
				c.cache.Set(clientID, notFound{}, c.negativeTTL)
			}
			return nil, err
		}
		c.cache.Set(clientID, client.Clone(), c.ttl)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Shared client lookup", "client_id", clientID)
	}
	return v.(*storage.Client).Clone(), nil
}

// SaveClient writes through to the backend and drops the cached entry.
// The backend must implement storage.ClientRegistry.
func (c *ClientStore) SaveClient(ctx context.Context, client *storage.Client) error {
	registry, ok := c.backend.(storage.ClientRegistry)
	if !ok {
		return fmt.Errorf("client store %T is read-only", c.backend)
	}
	if err := registry.SaveClient(ctx, client); err != nil {
		return err
	}
	if client != nil {
		c.Invalidate(client.ID)
	}
	return nil
}

// ListClients reads through to the backend. The backend must implement storage.ClientRegistry.
func (c *ClientStore) ListClients(ctx context.Context) ([]*storage.Client, error) {
	registry, ok := c.backend.(storage.ClientRegistry)
	if !ok {
		return nil, fmt.Errorf("client store %T is read-only", c.backend)
	}
	return registry.ListClients(ctx)
}

// Invalidate drops a cached client
func (c *ClientStore) Invalidate(clientID string) {
	c.cache.Delete(clientID)
}

// Flush drops every cached client
func (c *ClientStore) Flush() {
	c.cache.Flush()
}

// Len returns the number of cached entries, misses included
func (c *ClientStore) Len() int {
	return c.cache.ItemCount()
}
