package keyset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
)

var (
	// ErrNoActiveKey is returned when the store holds no active signing key
	ErrNoActiveKey = errors.New("no active signing key")

	// ErrKeyNotFound is returned by stores when a key version is unknown
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrRotationConflict is returned by stores when a concurrent rotation won
	ErrRotationConflict = errors.New("concurrent key rotation")
)

// DefaultMaxTokenTTL bounds how long a retired key keeps verifying tokens
const DefaultMaxTokenTTL = 24 * time.Hour

// DefaultMissReloadInterval is how often an unknown key version may trigger a reload
const DefaultMissReloadInterval = time.Second

// MinSecretLength is the shortest HMAC secret Rotate accepts
const MinSecretLength = 32

// SigningKey is one version of the session signing secret.
type SigningKey struct {
	Version   string
	Secret    []byte
	CreatedAt time.Time
	RetiredAt *time.Time // nil for the active key
}

// IsActive reports whether the key has not been retired
func (k SigningKey) IsActive() bool {
	return k.RetiredAt == nil
}

// Store persists signing keys. Implementations must apply Rotate atomically: readers see
// either the old active key or the new one, never zero or two.
type Store interface {
	// ListKeys returns every stored key, active and retired
	ListKeys(ctx context.Context) ([]SigningKey, error)

	// Rotate marks the current active key (if any) retired at `at` and stores next as the
	// active key in one atomic operation.
	Rotate(ctx context.Context, next SigningKey, at time.Time) error

	// DeleteRetiredBefore removes keys retired before cutoff and returns how many were removed
	DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Config configures a KeySet
type Config struct {
	// MaxTokenTTL is the longest lifetime of any token signed with a key. Retired keys stay
	// usable for verification until RetiredAt + MaxTokenTTL.
	MaxTokenTTL time.Duration // default: 24 hours

	// MissReloadInterval is the minimum spacing of reloads triggered by Get on an
	// unknown version
	MissReloadInterval time.Duration // default: 1 second

	Clock  security.Clock
	Logger *slog.Logger
}

type snapshot struct {
	active    SigningKey
	byVersion map[string]SigningKey
}

// KeySet is the in-memory view of the rotating signing keys. Reads are lock-free: the
// current set is an immutable snapshot swapped atomically on rotation and reload.
type KeySet struct {
	store       Store
	current     atomic.Pointer[snapshot]
	reloads     singleflight.Group
	missReloads *rate.Limiter
	maxTokenTTL time.Duration
	clock       security.Clock
	logger      *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New loads the key set from store. An empty store is bootstrapped with a fresh
// random key.
func New(ctx context.Context, store Store, cfg Config) (*KeySet, error) {
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if cfg.MaxTokenTTL <= 0 {
		cfg.MaxTokenTTL = DefaultMaxTokenTTL
	}
	if cfg.MissReloadInterval <= 0 {
		cfg.MissReloadInterval = DefaultMissReloadInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ks := &KeySet{
		store:       store,
		missReloads: rate.NewLimiter(rate.Every(cfg.MissReloadInterval), 1),
		maxTokenTTL: cfg.MaxTokenTTL,
		clock:       security.ClockOrSystem(cfg.Clock),
		logger:      cfg.Logger,
	}

	if err := ks.Reload(ctx); err != nil {
		if !errors.Is(err, ErrNoActiveKey) {
			return nil, err
		}
		key, err := ks.Rotate(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to bootstrap signing key: %w", err)
		}
		ks.logger.Info("Bootstrapped session signing key", "key_version", key.Version)
	}

	return ks, nil
}

// SetInstrumentation enables rotation and reload metrics and spans
func (ks *KeySet) SetInstrumentation(inst *instrumentation.Instrumentation) {
	ks.instrumentation = inst
	if inst != nil {
		ks.tracer = inst.Tracer("keyset")
	}
}

// MaxTokenTTL returns the verification window of retired keys
func (ks *KeySet) MaxTokenTTL() time.Duration {
	return ks.maxTokenTTL
}

// Active returns the key new tokens are signed with
func (ks *KeySet) Active() SigningKey {
	return ks.current.Load().active
}

// Get returns the key for version if it may still verify tokens. An unknown version
// reloads the set from the store so rotations made by other instances become visible;
// such reloads happen at most once per MissReloadInterval. A known key whose window has
// closed is rejected without a reload.
func (ks *KeySet) Get(ctx context.Context, version string) (SigningKey, bool) {
	if version == "" {
		return SigningKey{}, false
	}
	if key, known := ks.current.Load().byVersion[version]; known {
		if !ks.usable(key, ks.clock.Now()) {
			return SigningKey{}, false
		}
		return key, true
	}

	if !ks.missReloads.AllowN(ks.clock.Now(), 1) {
		ks.logger.Debug("Skipping signing key reload for unknown version", "key_version", version)
		return SigningKey{}, false
	}
	if err := ks.Reload(ctx); err != nil {
		ks.logger.Warn("Failed to reload signing keys", "error", err)
		return SigningKey{}, false
	}
	return ks.lookup(version)
}

func (ks *KeySet) lookup(version string) (SigningKey, bool) {
	key, ok := ks.current.Load().byVersion[version]
	if !ok || !ks.usable(key, ks.clock.Now()) {
		return SigningKey{}, false
	}
	return key, true
}

// usable reports whether key may verify tokens at now
func (ks *KeySet) usable(key SigningKey, now time.Time) bool {
	if key.IsActive() {
		return true
	}
	return !now.After(key.RetiredAt.Add(ks.maxTokenTTL))
}

// Keys returns all keys in the current snapshot, newest first
func (ks *KeySet) Keys() []SigningKey {
	snap := ks.current.Load()
	keys := make([]SigningKey, 0, len(snap.byVersion))
	for _, k := range snap.byVersion {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys
}

// Rotate retires the active key and installs a new one with the given secret. A nil
// secret generates a random one.
func (ks *KeySet) Rotate(ctx context.Context, secret []byte) (key SigningKey, err error) {
	ctx, span := ks.startSpan(ctx, "keyset.rotate")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	if secret == nil {
		secret, err = security.GenerateKey()
		if err != nil {
			return SigningKey{}, err
		}
	}
	if len(secret) < MinSecretLength {
		return SigningKey{}, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}

	now := ks.clock.Now()
	key = SigningKey{
		Version:   uuid.NewString(),
		Secret:    append([]byte(nil), secret...),
		CreatedAt: now,
	}

	if err = ks.store.Rotate(ctx, key, now); err != nil {
		return SigningKey{}, fmt.Errorf("failed to rotate signing key: %w", err)
	}

	// Readers keep the old snapshot until the reloaded one is swapped in. The store has
	// committed the rotation, so a failed reload applies it to the local snapshot.
	if reloadErr := ks.Reload(ctx); reloadErr != nil {
		ks.logger.Warn("Failed to reload signing keys after rotation, applying it locally",
			"key_version", key.Version,
			"error", reloadErr)
		ks.current.Store(ks.current.Load().withRotation(key, now))
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrKeyVersion, key.Version))
	if ks.instrumentation != nil {
		ks.instrumentation.Metrics().RecordKeyRotation(ctx)
	}
	ks.logger.Info("Rotated session signing key", "key_version", key.Version)

	return key, nil
}

// Reload replaces the in-memory snapshot with the store's contents. Concurrent calls
// share one store read.
func (ks *KeySet) Reload(ctx context.Context) error {
	_, err, _ := ks.reloads.Do("reload", func() (any, error) {
		keys, err := ks.store.ListKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list signing keys: %w", err)
		}
		snap, err := buildSnapshot(keys)
		if err != nil {
			return nil, err
		}
		ks.current.Store(snap)
		return nil, nil
	})

	if ks.instrumentation != nil {
		ks.instrumentation.Metrics().RecordKeyReload(ctx, err == nil)
	}
	return err
}

// Prune deletes keys whose verification window has closed and reloads the set
func (ks *KeySet) Prune(ctx context.Context) (int, error) {
	cutoff := ks.clock.Now().Add(-ks.maxTokenTTL)
	removed, err := ks.store.DeleteRetiredBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune signing keys: %w", err)
	}
	if removed > 0 {
		ks.logger.Info("Pruned retired signing keys", "count", removed)
	}
	return removed, ks.Reload(ctx)
}

// withRotation returns a copy of snap with its active key retired at `at` and next
// installed as the active key. snap may be nil.
func (snap *snapshot) withRotation(next SigningKey, at time.Time) *snapshot {
	out := &snapshot{active: next, byVersion: map[string]SigningKey{next.Version: next}}
	if snap == nil {
		return out
	}
	for version, k := range snap.byVersion {
		if k.IsActive() {
			retiredAt := at
			k.RetiredAt = &retiredAt
		}
		out.byVersion[version] = k
	}
	return out
}

func buildSnapshot(keys []SigningKey) (*snapshot, error) {
	snap := &snapshot{byVersion: make(map[string]SigningKey, len(keys))}
	found := false
	for _, k := range keys {
		snap.byVersion[k.Version] = k
		if !k.IsActive() {
			continue
		}
		if found {
			return nil, fmt.Errorf("store holds more than one active signing key")
		}
		snap.active = k
		found = true
	}
	if !found {
		return nil, ErrNoActiveKey
	}
	return snap, nil
}

func (ks *KeySet) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if ks.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return ks.tracer.Start(ctx, name)
}
