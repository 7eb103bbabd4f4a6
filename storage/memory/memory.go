package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// defaultRevokedFamilyRetention keeps revoked family markers for forensics and to
	// reject late writes into a revoked family
	defaultRevokedFamilyRetention = 90 * 24 * time.Hour
)

// userRecord is an end user known to the in-memory UserAuthenticator
type userRecord struct {
	userID       string
	passwordHash []byte
}

// familyIndex lists the tokens minted for one token family
type familyIndex struct {
	refreshTokens []string
	accessTokens  []string
}

// Store is an in-memory implementation of all storage interfaces.
// Every conditional write runs under the write lock, which makes it atomic for all
// goroutines sharing the Store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	users   map[string]*userRecord // username -> user

	codes map[string]*storage.AuthorizationCode

	deviceAuths map[string]*storage.DeviceAuthorization // device code -> authorization
	userCodes   map[string]string                       // user code -> device code

	refreshTokens   map[string]*storage.RefreshToken
	accessTokens    map[string]*storage.AccessToken
	families        map[string]*familyIndex
	revokedFamilies map[string]time.Time // family ID -> revoked at

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic       atomic.Int64
	codesCountAtomic         atomic.Int64
	deviceAuthsCountAtomic   atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	accessTokensCountAtomic  atomic.Int64

	// Cleanup
	cleanupInterval        time.Duration
	revokedFamilyRetention time.Duration
	stopCleanup            chan struct{}
	stopOnce               sync.Once
	clock                  security.Clock
	logger                 *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientRegistry    = (*Store)(nil)
	_ storage.UserAuthenticator = (*Store)(nil)
	_ storage.CodeStore         = (*Store)(nil)
	_ storage.DeviceAuthStore   = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.AccessTokenStore  = (*Store)(nil)
	_ storage.Sweeper           = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:                make(map[string]*storage.Client),
		users:                  make(map[string]*userRecord),
		codes:                  make(map[string]*storage.AuthorizationCode),
		deviceAuths:            make(map[string]*storage.DeviceAuthorization),
		userCodes:              make(map[string]string),
		refreshTokens:          make(map[string]*storage.RefreshToken),
		accessTokens:           make(map[string]*storage.AccessToken),
		families:               make(map[string]*familyIndex),
		revokedFamilies:        make(map[string]time.Time),
		cleanupInterval:        cleanupInterval,
		revokedFamilyRetention: defaultRevokedFamilyRetention,
		stopCleanup:            make(chan struct{}),
		clock:                  security.SystemClock,
		logger:                 slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock sets the time source used by the background cleanup
func (s *Store) SetClock(c security.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = security.ClockOrSystem(c)
}

// SetRevokedFamilyRetention sets how long revoked family markers are kept after revocation.
// Default: 90 days
func (s *Store) SetRevokedFamilyRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedFamilyRetention = d
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.deviceAuthsCountAtomic.Store(int64(len(s.deviceAuths)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizes{
			Clients:              s.clientsCountAtomic.Load,
			AuthorizationCodes:   s.codesCountAtomic.Load,
			DeviceAuthorizations: s.deviceAuthsCountAtomic.Load,
			RefreshTokens:        s.refreshTokensCountAtomic.Load,
			AccessTokens:         s.accessTokensCountAtomic.Load,
		})
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientRegistry Implementation
// ============================================================

// SaveClient creates or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ID] = client.Clone()
	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return client.Clone(), nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client.Clone())
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}

// ============================================================
// UserAuthenticator Implementation
// ============================================================

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// dummyPasswordHash is compared against for unknown users so lookups of missing and
// existing accounts cost the same bcrypt work
func dummyPasswordHash() []byte {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("lockrs-dummy-password"), bcrypt.DefaultCost)
	})
	return dummyHash
}

// AddUser registers an end user with a bcrypt-hashed password
func (s *Store) AddUser(userID, username, password string) error {
	if userID == "" || username == "" {
		return fmt.Errorf("user ID and username cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &userRecord{userID: userID, passwordHash: hash}
	return nil
}

// AuthenticateUser verifies a username/password pair and returns the user ID
func (s *Store) AuthenticateUser(ctx context.Context, username, password string) (_ string, err error) {
	ctx, span := s.startStorageSpan(ctx, "authenticate_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "authenticate_user", err, startTime) }()

	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()

	hash := dummyPasswordHash()
	if ok {
		hash = user.passwordHash
	}

	// Always run the comparison, even for unknown users
	cmpErr := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if !ok || cmpErr != nil {
		return "", storage.ErrInvalidCredentials
	}
	return user.userID, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a newly issued code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return fmt.Errorf("%w: authorization code", storage.ErrConflict)
	}
	s.codes[code.Code] = code.Clone()
	s.codesCountAtomic.Add(1)

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode returns a code without modifying it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return stored.Clone(), nil
}

// ConsumeAuthorizationCode atomically marks a code consumed.
// On reuse the stored record is returned together with ErrAlreadyConsumed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, at time.Time) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime) }()

	s.mu.Lock() // write lock for the check-and-set
	defer s.mu.Unlock()

	stored, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if stored.Consumed {
		return stored.Clone(), storage.ErrAlreadyConsumed
	}

	stored.Consumed = true
	stored.ConsumedAt = at
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return stored.Clone(), nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; ok {
		delete(s.codes, code)
		s.codesCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// DeviceAuthStore Implementation
// ============================================================

// SaveDeviceAuthorization stores a new device authorization.
// Returns ErrConflict if the device code or user code is taken.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_device_authorization")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_device_authorization", err, startTime) }()

	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("invalid device authorization")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deviceAuths[auth.DeviceCode]; exists {
		return fmt.Errorf("%w: device code", storage.ErrConflict)
	}
	if _, exists := s.userCodes[auth.UserCode]; exists {
		return fmt.Errorf("%w: user code", storage.ErrConflict)
	}

	s.deviceAuths[auth.DeviceCode] = auth.Clone()
	s.userCodes[auth.UserCode] = auth.DeviceCode
	s.deviceAuthsCountAtomic.Add(1)
	return nil
}

// GetDeviceAuthorization looks an authorization up by device code
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (_ *storage.DeviceAuthorization, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_device_authorization")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_device_authorization", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.deviceAuths[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	return auth.Clone(), nil
}

// GetDeviceAuthorizationByUserCode looks an authorization up by user code
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (_ *storage.DeviceAuthorization, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_device_authorization_by_user_code")
	defer span.End()
	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "get_device_authorization_by_user_code", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.deviceByUserCodeLocked(userCode)
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	return auth.Clone(), nil
}

// DecideDeviceAuthorization atomically moves a pending authorization to status
func (s *Store) DecideDeviceAuthorization(ctx context.Context, userCode string, status storage.DeviceStatus, userID string, at time.Time) (_ *storage.DeviceAuthorization, err error) {
	ctx, span := s.startStorageSpan(ctx, "decide_device_authorization")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "decide_device_authorization", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.deviceByUserCodeLocked(userCode)
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	if auth.Status != storage.DeviceStatusPending {
		return auth.Clone(), storage.ErrAlreadyDecided
	}

	auth.Status = status
	auth.UserID = userID
	auth.DecidedAt = at
	return auth.Clone(), nil
}

// RecordDevicePoll stores the poll time and returns the authorization as it was before
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, at time.Time, slowDownStep time.Duration) (_ *storage.DeviceAuthorization, err error) {
	ctx, span := s.startStorageSpan(ctx, "record_device_poll")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "record_device_poll", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.deviceAuths[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}

	previous := auth.Clone()
	auth.LastPolledAt = at
	if slowDownStep > 0 {
		auth.Interval += slowDownStep
	}
	return previous, nil
}

// ConsumeDeviceAuthorization atomically marks an approved authorization as exchanged
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (_ *storage.DeviceAuthorization, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_device_authorization")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_device_authorization", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.deviceAuths[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	if auth.Consumed {
		return auth.Clone(), storage.ErrAlreadyConsumed
	}
	if auth.Status != storage.DeviceStatusApproved {
		return auth.Clone(), fmt.Errorf("%w: device authorization is %s", storage.ErrConflict, auth.Status)
	}

	auth.Consumed = true
	return auth.Clone(), nil
}

// deviceByUserCodeLocked resolves a user code. Caller holds mu.
func (s *Store) deviceByUserCodeLocked(userCode string) (*storage.DeviceAuthorization, bool) {
	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, false
	}
	auth, ok := s.deviceAuths[deviceCode]
	return auth, ok
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a refresh token unless its family has been revoked
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime) }()

	if token == nil || token.Token == "" || token.FamilyID == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, revoked := s.revokedFamilies[token.FamilyID]; revoked {
		return storage.ErrFamilyRevoked
	}
	if _, exists := s.refreshTokens[token.Token]; exists {
		return fmt.Errorf("%w: refresh token", storage.ErrConflict)
	}

	s.refreshTokens[token.Token] = token.Clone()
	idx := s.familyLocked(token.FamilyID)
	idx.refreshTokens = append(idx.refreshTokens, token.Token)
	s.refreshTokensCountAtomic.Add(1)

	s.logger.Debug("Saved refresh token",
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken returns a refresh token without modifying it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	return stored.Clone(), nil
}

// MarkRefreshTokenUsed atomically flips Used from false to true
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, token string, at time.Time) (_ *storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "mark_refresh_token_used")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "mark_refresh_token_used", err, startTime) }()

	s.mu.Lock() // write lock for the check-and-set
	defer s.mu.Unlock()

	stored, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if _, revoked := s.revokedFamilies[stored.FamilyID]; revoked || stored.Revoked() {
		return stored.Clone(), storage.ErrFamilyRevoked
	}
	if stored.Used {
		return stored.Clone(), storage.ErrAlreadyConsumed
	}

	stored.Used = true
	stored.UsedAt = at
	return stored.Clone(), nil
}

// RevokeRefreshTokenFamily revokes every refresh token of a family. Idempotent.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, at time.Time) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_refresh_token_family", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.markFamilyRevokedLocked(familyID, at)

	revoked := 0
	if idx, ok := s.families[familyID]; ok {
		for _, tok := range idx.refreshTokens {
			if rt, ok := s.refreshTokens[tok]; ok && !rt.Revoked() {
				rt.RevokedAt = at
				revoked++
			}
		}
	}

	s.logger.Info("Revoked refresh token family",
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
		"tokens_revoked", revoked)
	return revoked, nil
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// SaveAccessToken stores an access token unless its family has been revoked
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_access_token", err, startTime) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if token.FamilyID != "" {
		if _, revoked := s.revokedFamilies[token.FamilyID]; revoked {
			return storage.ErrFamilyRevoked
		}
	}
	if _, exists := s.accessTokens[token.Token]; exists {
		return fmt.Errorf("%w: access token", storage.ErrConflict)
	}

	s.accessTokens[token.Token] = token.Clone()
	if token.FamilyID != "" {
		idx := s.familyLocked(token.FamilyID)
		idx.accessTokens = append(idx.accessTokens, token.Token)
	}
	s.accessTokensCountAtomic.Add(1)
	return nil
}

// GetAccessToken returns an access token
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_access_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrAccessTokenNotFound
	}
	return stored.Clone(), nil
}

// RevokeAccessTokensByFamily revokes the access tokens of a family. Idempotent.
func (s *Store) RevokeAccessTokensByFamily(ctx context.Context, familyID string, at time.Time) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_access_tokens_by_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_access_tokens_by_family", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.markFamilyRevokedLocked(familyID, at)

	revoked := 0
	if idx, ok := s.families[familyID]; ok {
		for _, tok := range idx.accessTokens {
			if stored, ok := s.accessTokens[tok]; ok && !stored.Revoked() {
				stored.RevokedAt = at
				revoked++
			}
		}
	}
	return revoked, nil
}

// familyLocked returns the index of a family, creating it. Caller holds mu.
func (s *Store) familyLocked(familyID string) *familyIndex {
	idx, ok := s.families[familyID]
	if !ok {
		idx = &familyIndex{}
		s.families[familyID] = idx
	}
	return idx
}

// markFamilyRevokedLocked records the first revocation time of a family. Caller holds mu.
func (s *Store) markFamilyRevokedLocked(familyID string, at time.Time) {
	if _, ok := s.revokedFamilies[familyID]; !ok {
		s.revokedFamilies[familyID] = at
	}
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.RLock()
			now := s.clock.Now()
			s.mu.RUnlock()
			if _, err := s.DeleteExpired(context.Background(), now); err != nil {
				s.logger.Warn("Cleanup failed", "error", err)
			}
		}
	}
}

// DeleteExpired removes codes, device authorizations and tokens whose lifetime ended
// before cutoff, and revoked family markers older than the retention period.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_expired")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_expired", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for code, c := range s.codes {
		if c.ExpiresAt.Before(cutoff) {
			delete(s.codes, code)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for deviceCode, d := range s.deviceAuths {
		if d.ExpiresAt.Before(cutoff) {
			delete(s.deviceAuths, deviceCode)
			delete(s.userCodes, d.UserCode)
			s.deviceAuthsCountAtomic.Add(-1)
			cleaned++
		}
	}

	for tok, rt := range s.refreshTokens {
		if rt.ExpiresAt.Before(cutoff) {
			delete(s.refreshTokens, tok)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	for tok, at := range s.accessTokens {
		if at.ExpiresAt.Before(cutoff) {
			delete(s.accessTokens, tok)
			s.accessTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Drop dangling family index entries
	for familyID, idx := range s.families {
		idx.refreshTokens = s.liveKeys(idx.refreshTokens, func(k string) bool { _, ok := s.refreshTokens[k]; return ok })
		idx.accessTokens = s.liveKeys(idx.accessTokens, func(k string) bool { _, ok := s.accessTokens[k]; return ok })
		if len(idx.refreshTokens) == 0 && len(idx.accessTokens) == 0 {
			delete(s.families, familyID)
		}
	}

	retentionCutoff := cutoff.Add(-s.revokedFamilyRetention)
	for familyID, revokedAt := range s.revokedFamilies {
		if revokedAt.Before(retentionCutoff) {
			delete(s.revokedFamilies, familyID)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
	return cleaned, nil
}

func (s *Store) liveKeys(keys []string, alive func(string) bool) []string {
	out := keys[:0]
	for _, k := range keys {
		if alive(k) {
			out = append(out, k)
		}
	}
	return out
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status.
// Lookups that miss are reported as "not_found" rather than as errors.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := storage.OperationResult(err)
	if result == "error" {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
