package keyset

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a Store for single-instance deployments and tests.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]SigningKey
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty key store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]SigningKey)}
}

// ListKeys implements Store
func (s *MemoryStore) ListKeys(_ context.Context) ([]SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SigningKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, copyKey(k))
	}
	return out, nil
}

// Rotate implements Store
func (s *MemoryStore) Rotate(_ context.Context, next SigningKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[next.Version]; exists {
		return ErrRotationConflict
	}

	for v, k := range s.keys {
		if k.IsActive() {
			retired := at
			k.RetiredAt = &retired
			s.keys[v] = k
		}
	}

	next = copyKey(next)
	next.RetiredAt = nil
	s.keys[next.Version] = next
	return nil
}

// DeleteRetiredBefore implements Store
func (s *MemoryStore) DeleteRetiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for v, k := range s.keys {
		if k.RetiredAt != nil && k.RetiredAt.Before(cutoff) {
			delete(s.keys, v)
			removed++
		}
	}
	return removed, nil
}

func copyKey(k SigningKey) SigningKey {
	k.Secret = append([]byte(nil), k.Secret...)
	if k.RetiredAt != nil {
		t := *k.RetiredAt
		k.RetiredAt = &t
	}
	return k
}
