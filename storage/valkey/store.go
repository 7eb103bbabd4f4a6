package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/quasiuslikecautious/lockrs-sub001/security"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "lockrs:"

	// DefaultRevokedFamilyRetentionDays is the default retention period for revoked token families
	DefaultRevokedFamilyRetentionDays = 90

	// DefaultExpiredRetention is how long records outlive their expiry so late
	// presentations are reported as expired (or reused) rather than unknown
	DefaultExpiredRetention = time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// minRecordTTL keeps records that are already expired on write addressable for a while
	minRecordTTL = time.Minute
)

// Script results that are not record payloads
const (
	resultOK            = "OK"
	resultNotFound      = "NOT_FOUND"
	resultConflict      = "CONFLICT"
	resultFamilyRevoked = "FAMILY_REVOKED"
	resultConsumed      = "ALREADY_CONSUMED"
	resultDecided       = "ALREADY_DECIDED"
	resultNotApproved   = "NOT_APPROVED"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "lockrs:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedFamilyRetentionDays is how long a revoked family marker is kept.
	// Writes into the family are rejected while the marker exists. Default: 90 days
	RevokedFamilyRetentionDays int

	// ExpiredRetention is how long records are kept past their expiry (default 1h)
	ExpiredRetention time.Duration
}

// Store is a Valkey-backed implementation of the client, code, device authorization
// and token stores.
//
// Codes and tokens are keyed by their SHA-256 digest; the raw values are never written.
// Every conditional write is a Lua script so it executes atomically on the server.
type Store struct {
	client                 valkeygo.Client
	prefix                 string
	logger                 *slog.Logger
	clock                  security.Clock
	revokedFamilyRetention time.Duration
	expiredRetention       time.Duration
}

// Compile-time interface checks
var (
	_ storage.ClientRegistry    = (*Store)(nil)
	_ storage.CodeStore         = (*Store)(nil)
	_ storage.DeviceAuthStore   = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.AccessTokenStore  = (*Store)(nil)
	_ storage.Sweeper           = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create valkey client: %w", storage.ErrUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to valkey: %w", storage.ErrUnavailable, err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. Address, Password, DB and TLS in cfg are ignored.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retentionDays := cfg.RevokedFamilyRetentionDays
	if retentionDays <= 0 {
		retentionDays = DefaultRevokedFamilyRetentionDays
	}

	expiredRetention := cfg.ExpiredRetention
	if expiredRetention <= 0 {
		expiredRetention = DefaultExpiredRetention
	}

	return &Store{
		client:                 client,
		prefix:                 prefix,
		logger:                 logger,
		clock:                  security.SystemClock,
		revokedFamilyRetention: time.Duration(retentionDays) * 24 * time.Hour,
		expiredRetention:       expiredRetention,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetClock sets the time source used to derive key TTLs
func (s *Store) SetClock(c security.Clock) {
	s.clock = security.ClockOrSystem(c)
}

// DeleteExpired is a no-op: Valkey evicts records through their TTLs.
func (s *Store) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, storage.HashToken(code))
}

func (s *Store) deviceKey(deviceCode string) string {
	return s.deviceKeyFromDigest(storage.HashToken(deviceCode))
}

func (s *Store) deviceKeyFromDigest(digest string) string {
	return fmt.Sprintf("%sdevice:%s", s.prefix, digest)
}

func (s *Store) userCodeKey(userCode string) string {
	return fmt.Sprintf("%susercode:%s", s.prefix, userCode)
}

func (s *Store) refreshKeyPrefix() string {
	return s.prefix + "refresh:"
}

func (s *Store) refreshKey(token string) string {
	return s.refreshKeyPrefix() + storage.HashToken(token)
}

func (s *Store) accessKeyPrefix() string {
	return s.prefix + "access:"
}

func (s *Store) accessKey(token string) string {
	return s.accessKeyPrefix() + storage.HashToken(token)
}

func (s *Store) familyRefreshKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s:refresh", s.prefix, familyID)
}

func (s *Store) familyAccessKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s:access", s.prefix, familyID)
}

func (s *Store) revokedFamilyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s:revoked", s.prefix, familyID)
}

// ============================================================
// Helpers
// ============================================================

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// wrapError classifies a command failure. Errors replied by the server (script errors,
// wrong types) are returned as-is; everything else is a connectivity problem.
func wrapError(op string, err error) error {
	if _, ok := valkeygo.IsValkeyErr(err); ok {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("%w: failed to %s: %w", storage.ErrUnavailable, op, err)
}

// recordTTL returns the key lifetime for a record expiring at expiresAt
func (s *Store) recordTTL(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.clock.Now()) + s.expiredRetention
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	return ttl
}

// get reads a key. found is false if the key does not exist.
func (s *Store) get(ctx context.Context, key, op string) (data string, found bool, err error) {
	data, err = s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", false, nil
		}
		return "", false, wrapError(op, err)
	}
	return data, true, nil
}

// eval runs a Lua script and returns its string reply
func (s *Store) eval(ctx context.Context, op, script string, keys []string, args ...string) (string, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).ToString()
	if err != nil {
		return "", wrapError(op, err)
	}
	return result, nil
}

// evalInt runs a Lua script that replies with an integer
func (s *Store) evalInt(ctx context.Context, op, script string, keys []string, args ...string) (int64, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, wrapError(op, err)
	}
	return n, nil
}

// splitResult separates a script status from the record payload it carries.
// A bare JSON object has no status.
func splitResult(result string) (status, data string) {
	if strings.HasPrefix(result, "{") {
		return "", result
	}
	status, data, _ = strings.Cut(result, ":")
	return status, data
}

// getAndUnmarshal reads a key and decodes its JSON payload with convert
func getAndUnmarshal[J any, T any](ctx context.Context, s *Store, key, op string, notFound error, convert func(*J) (T, error)) (T, error) {
	var zero T
	data, found, err := s.get(ctx, key, op)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, notFound
	}
	return unmarshalRecord(data, op, convert)
}

func unmarshalRecord[J any, T any](data, op string, convert func(*J) (T, error)) (T, error) {
	var zero T
	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return zero, fmt.Errorf("failed to unmarshal record for %s: %w", op, err)
	}
	return convert(&j)
}

// Timestamps are stored as RFC 3339 strings: Lua's cjson re-encodes numbers with
// 14 significant digits, which would truncate nanosecond precision.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
