package main

import (
	"context"
	"fmt"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/config"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
	"github.com/quasiuslikecautious/lockrs-sub001/storage/cache"
	"github.com/quasiuslikecautious/lockrs-sub001/storage/memory"
	"github.com/quasiuslikecautious/lockrs-sub001/storage/postgres"
	"github.com/quasiuslikecautious/lockrs-sub001/storage/valkey"
)

// backend is the configured token store, seen through the ports the CLI uses
type backend struct {
	name     string
	registry storage.ClientRegistry
	sweeper  storage.Sweeper
	close    func()
}

// openBackend opens the configured store. Client reads go through the same cache the
// server puts in front of the registry.
func (a *app) openBackend(ctx context.Context) (*backend, error) {
	b, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	b.registry = cache.NewClientStore(b.registry, cache.Config{Logger: a.logger})
	return b, nil
}

func (a *app) openStore(ctx context.Context) (*backend, error) {
	cfg := a.cfg.Storage

	switch cfg.Backend {
	case config.BackendMemory:
		store := memory.New()
		store.SetLogger(a.logger)
		store.SetInstrumentation(a.inst)
		a.logger.Warn("Using the in-memory backend; changes are lost when lockrsctl exits")
		return &backend{name: cfg.Backend, registry: store, sweeper: store, close: store.Stop}, nil

	case config.BackendValkey:
		store, err := valkey.New(valkey.Config{
			Address:                    cfg.ValkeyAddr,
			Password:                   cfg.ValkeyPassword,
			DB:                         cfg.ValkeyDB,
			KeyPrefix:                  cfg.KeyPrefix,
			Logger:                     a.logger,
			RevokedFamilyRetentionDays: cfg.RevokedFamilyRetentionDays,
		})
		if err != nil {
			return nil, err
		}
		return &backend{name: cfg.Backend, registry: store, sweeper: store, close: store.Close}, nil

	case config.BackendPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:                        cfg.DatabaseURL,
			Logger:                     a.logger,
			RevokedFamilyRetentionDays: cfg.RevokedFamilyRetentionDays,
		})
		if err != nil {
			return nil, err
		}
		return &backend{name: cfg.Backend, registry: store, sweeper: store, close: store.Close}, nil
	}

	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
