// Package redis provides a keyset.Store shared by every instance through Redis.
//
// Keys live in one hash (field = version, value = JSON record) next to a string holding
// the active version. Rotation runs as WATCH/MULTI/EXEC on the active pointer, so two
// instances rotating at once cannot both win. Secrets are sealed with a
// security.Encryptor before they leave the process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/quasiuslikecautious/lockrs-sub001/keyset"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

const (
	defaultPrefix = "lockrs:keys"

	// maxRotateAttempts bounds optimistic-lock retries when rotations race
	maxRotateAttempts = 5
)

type keyRecord struct {
	Version   string     `json:"version"`
	Secret    string     `json:"secret"` // sealed, base64
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// Store is a keyset.Store backed by Redis
type Store struct {
	client    rdb.UniversalClient
	encryptor *security.Encryptor
	hashKey   string
	activeKey string
}

var _ keyset.Store = (*Store)(nil)

// New creates a store. A nil or disabled encryptor stores secrets unsealed (base64 only).
func New(client rdb.UniversalClient, encryptor *security.Encryptor, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		client:    client,
		encryptor: encryptor,
		hashKey:   prefix,
		activeKey: prefix + ":active",
	}
}

// ListKeys implements keyset.Store
func (s *Store) ListKeys(ctx context.Context) ([]keyset.SigningKey, error) {
	raw, err := s.client.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, unavailable("list keys", err)
	}

	keys := make([]keyset.SigningKey, 0, len(raw))
	for _, v := range raw {
		key, err := s.decode(v)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Rotate implements keyset.Store
func (s *Store) Rotate(ctx context.Context, next keyset.SigningKey, at time.Time) error {
	nextPayload, err := s.encode(next, nil)
	if err != nil {
		return err
	}

	rotate := func(tx *rdb.Tx) error {
		current, err := tx.Get(ctx, s.activeKey).Result()
		if err != nil && !errors.Is(err, rdb.Nil) {
			return err
		}

		var retiredPayload string
		if current != "" {
			raw, err := tx.HGet(ctx, s.hashKey, current).Result()
			if err != nil && !errors.Is(err, rdb.Nil) {
				return err
			}
			if raw != "" {
				old, err := s.decode(raw)
				if err != nil {
					return err
				}
				retiredPayload, err = s.encode(old, &at)
				if err != nil {
					return err
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe rdb.Pipeliner) error {
			if retiredPayload != "" {
				pipe.HSet(ctx, s.hashKey, current, retiredPayload)
			}
			pipe.HSet(ctx, s.hashKey, next.Version, nextPayload)
			pipe.Set(ctx, s.activeKey, next.Version, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxRotateAttempts; attempt++ {
		err = s.client.Watch(ctx, rotate, s.activeKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, rdb.TxFailedErr) {
			return unavailable("rotate", err)
		}
	}
	return keyset.ErrRotationConflict
}

// DeleteRetiredBefore implements keyset.Store
func (s *Store) DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := s.ListKeys(ctx)
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, k := range keys {
		if k.RetiredAt != nil && k.RetiredAt.Before(cutoff) {
			stale = append(stale, k.Version)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	n, err := s.client.HDel(ctx, s.hashKey, stale...).Result()
	if err != nil {
		return 0, unavailable("delete retired keys", err)
	}
	return int(n), nil
}

func (s *Store) encode(key keyset.SigningKey, retiredAt *time.Time) (string, error) {
	sealed, err := s.encryptor.SealString(key.Secret)
	if err != nil {
		return "", fmt.Errorf("seal signing key: %w", err)
	}
	rec := keyRecord{
		Version:   key.Version,
		Secret:    sealed,
		CreatedAt: key.CreatedAt.UTC(),
		RetiredAt: key.RetiredAt,
	}
	if retiredAt != nil {
		t := retiredAt.UTC()
		rec.RetiredAt = &t
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal signing key: %w", err)
	}
	return string(payload), nil
}

func (s *Store) decode(raw string) (keyset.SigningKey, error) {
	var rec keyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return keyset.SigningKey{}, fmt.Errorf("decode signing key: %w", err)
	}
	secret, err := s.encryptor.OpenString(rec.Secret)
	if err != nil {
		return keyset.SigningKey{}, fmt.Errorf("open signing key %s: %w", rec.Version, err)
	}
	return keyset.SigningKey{
		Version:   rec.Version,
		Secret:    secret,
		CreatedAt: rec.CreatedAt,
		RetiredAt: rec.RetiredAt,
	}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", storage.ErrUnavailable, op, err)
}
