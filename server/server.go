package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/keyset"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
	"github.com/quasiuslikecautious/lockrs-sub001/session"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// dummySecretHash is compared against when a client is unknown so lookups of existing
// and missing clients take the same time (bcrypt hash of "test")
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Stores bundles the storage ports the engine depends on. Users is optional and only
// needed for LoginSession.
type Stores struct {
	Clients       storage.ClientStore
	Codes         storage.CodeStore
	Devices       storage.DeviceAuthStore
	RefreshTokens storage.RefreshTokenStore
	AccessTokens  storage.AccessTokenStore
	Users         storage.UserAuthenticator
}

// Server is the authorization engine. It wires the grant engines to storage, the key set
// and the ambient stack (logging, audit, metrics, tracing).
type Server struct {
	Scopes     *ScopeValidator
	PKCE       *PKCEVerifier
	Codes      *AuthorizationCodeEngine
	Devices    *DeviceAuthorizationEngine
	Refresh    *RefreshTokenEngine
	Access     *AccessTokenEngine
	Dispatcher *TokenGrantDispatcher
	Sessions   *session.Engine
	Keys       *keyset.KeySet

	Config *Config
	Logger *slog.Logger

	clients storage.ClientStore
	users   storage.UserAuthenticator
	rt      *runtime
}

// New creates an authorization engine
func New(stores Stores, keys *keyset.KeySet, config *Config, logger *slog.Logger) (*Server, error) {
	if stores.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if stores.Codes == nil {
		return nil, fmt.Errorf("authorization code store is required")
	}
	if stores.Devices == nil {
		return nil, fmt.Errorf("device authorization store is required")
	}
	if stores.RefreshTokens == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if stores.AccessTokens == nil {
		return nil, fmt.Errorf("access token store is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("signing key set is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := validateHTTPSEnforcement(config, logger); err != nil {
		return nil, err
	}

	if keys.MaxTokenTTL() < config.SessionTTL {
		logger.Warn("Signing keys are pruned before sessions expire",
			"max_token_ttl", keys.MaxTokenTTL(),
			"session_ttl", config.SessionTTL,
			"risk", "Sessions fail verification early after a key rotation")
	}

	rt := newRuntime(config, logger)
	scopes := NewScopeValidator(config.SupportedScopes)
	pkce := &PKCEVerifier{Strict: config.StrictPKCEVerifier, RejectPlain: config.RejectPKCEPlain}
	access := &AccessTokenEngine{rt: rt, store: stores.AccessTokens}
	refresh := &RefreshTokenEngine{
		rt:          rt,
		store:       stores.RefreshTokens,
		accessStore: stores.AccessTokens,
		access:      access,
		scopes:      scopes,
	}
	codes := &AuthorizationCodeEngine{rt: rt, store: stores.Codes, pkce: pkce, scopes: scopes, families: refresh}
	devices := &DeviceAuthorizationEngine{rt: rt, store: stores.Devices, scopes: scopes, families: refresh}

	srv := &Server{
		Scopes:  scopes,
		PKCE:    pkce,
		Codes:   codes,
		Devices: devices,
		Refresh: refresh,
		Access:  access,
		Dispatcher: &TokenGrantDispatcher{
			rt:      rt,
			codes:   codes,
			devices: devices,
			refresh: refresh,
			access:  access,
			scopes:  scopes,
		},
		Sessions: session.New(keys, session.Config{
			TTL:    config.SessionTTL,
			Issuer: config.Issuer,
			Leeway: config.ClockSkewGracePeriod,
			Clock:  security.ClockFunc(func() time.Time { return rt.now() }),
			Logger: logger,
		}),
		Keys:    keys,
		Config:  config,
		Logger:  logger,
		clients: stores.Clients,
		users:   stores.Users,
		rt:      rt,
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.rt.auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.rt.eventLimiter = rl
}

// SetInstrumentation enables metrics and tracing for every engine
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.rt.instrumentation = inst
	if inst != nil {
		s.rt.tracer = inst.Tracer("server")
	} else {
		s.rt.tracer = nil
	}
	s.Sessions.SetInstrumentation(inst)
}

// SetClock replaces the time source of every lifetime decision. The key set keeps the
// clock it was constructed with.
func (s *Server) SetClock(c security.Clock) {
	s.rt.clock = security.ClockOrSystem(c)
	if s.rt.auditor != nil {
		s.rt.auditor.SetClock(c)
	}
}

// ============================================================
// Authorization code flow
// ============================================================

// StartAuthorization issues an authorization code for a user who has authenticated and
// consented
func (s *Server) StartAuthorization(ctx context.Context, req AuthorizationRequest) (*storage.AuthorizationCode, error) {
	client, err := s.lookupClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	return s.Codes.Issue(ctx, client, req.UserID, req.RedirectURI, req.Scopes, req.CodeChallenge, req.CodeChallengeMethod)
}

// RedeemAuthorizationCode validates and consumes a code without minting tokens.
// Token endpoints use Dispatch instead.
func (s *Server) RedeemAuthorizationCode(ctx context.Context, code, clientID, redirectURI, verifier string) (*AccessGrant, error) {
	return s.Codes.Redeem(ctx, code, clientID, redirectURI, verifier)
}

// ============================================================
// Device authorization flow
// ============================================================

// StartDeviceAuthorization begins an RFC 8628 device flow for clientID
func (s *Server) StartDeviceAuthorization(ctx context.Context, clientID string, scopes []string) (*DeviceAuthorizationResponse, error) {
	client, err := s.lookupClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return s.Devices.Start(ctx, client, scopes)
}

// ApproveDeviceAuthorization records userID's approval of the device showing userCode
func (s *Server) ApproveDeviceAuthorization(ctx context.Context, userCode, userID string) error {
	return s.Devices.Approve(ctx, userCode, userID)
}

// DenyDeviceAuthorization records the user's refusal of the device showing userCode
func (s *Server) DenyDeviceAuthorization(ctx context.Context, userCode string) error {
	return s.Devices.Deny(ctx, userCode)
}

// PollDeviceAuthorization reports a device authorization's state. An approved
// authorization is consumed by the first poll that observes it; token endpoints use
// Dispatch so that tokens are minted in the same step.
func (s *Server) PollDeviceAuthorization(ctx context.Context, deviceCode, clientID string) (*PollResult, error) {
	return s.Devices.Poll(ctx, deviceCode, clientID)
}

// ============================================================
// Token endpoint
// ============================================================

// Dispatch handles a token request for an authenticated client
func (s *Server) Dispatch(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	return s.Dispatcher.Dispatch(ctx, req)
}

// AuthenticateClient verifies client credentials. Public clients are identified by ID
// only. The bcrypt comparison runs even for unknown clients so response timing does not
// reveal which client IDs exist.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	client, lookupErr := s.clients.GetClient(ctx, clientID)

	hashToCompare := dummySecretHash
	if lookupErr == nil && !client.IsPublic() && client.SecretHash != "" {
		hashToCompare = client.SecretHash
	}
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))

	if lookupErr != nil {
		if errors.Is(lookupErr, storage.ErrClientNotFound) {
			s.logAuthFailure("", clientID, "unknown_client")
			return nil, ErrInvalidClient
		}
		return nil, fmt.Errorf("failed to load client: %w", lookupErr)
	}
	if client.IsPublic() {
		return client, nil
	}
	if client.SecretHash == "" || bcryptErr != nil {
		s.logAuthFailure("", clientID, "invalid_client_secret")
		return nil, ErrInvalidClient
	}
	return client, nil
}

// ValidateAccessToken returns the stored access token if it is live
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	return s.Access.Validate(ctx, token)
}

// RevokeTokenFamily revokes every refresh and access token of a family. Idempotent.
func (s *Server) RevokeTokenFamily(ctx context.Context, familyID string) error {
	return s.Refresh.RevokeFamily(ctx, familyID)
}

// ============================================================
// Sessions and signing keys
// ============================================================

// SignSession issues a browser session token for userID
func (s *Server) SignSession(ctx context.Context, userID string) (string, error) {
	token, err := s.Sessions.Sign(ctx, session.Claims{UserID: userID})
	if err != nil {
		return "", err
	}
	s.rt.auditor.LogEvent(security.Event{
		Type:   security.EventSessionSigned,
		UserID: userID,
	})
	return token, nil
}

// VerifySession checks a session token and returns its claims
func (s *Server) VerifySession(ctx context.Context, token string) (*session.Claims, error) {
	return s.Sessions.Verify(ctx, token)
}

// LoginSession authenticates an end user and signs a session for them
func (s *Server) LoginSession(ctx context.Context, username, password string) (string, error) {
	if s.users == nil {
		return "", fmt.Errorf("user authenticator is not configured")
	}

	userID, err := s.users.AuthenticateUser(ctx, username, password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			s.logAuthFailure(username, "", "invalid_user_credentials")
			return "", ErrUserAuthenticationFailed
		}
		return "", fmt.Errorf("failed to authenticate user: %w", err)
	}

	return s.SignSession(ctx, userID)
}

// RotateSigningKey retires the active session key and installs a new one. A nil secret
// generates a random key.
func (s *Server) RotateSigningKey(ctx context.Context, secret []byte) (keyset.SigningKey, error) {
	key, err := s.Keys.Rotate(ctx, secret)
	if err != nil {
		return keyset.SigningKey{}, err
	}
	s.rt.auditor.LogEvent(security.Event{
		Type: security.EventSigningKeyRotated,
		Details: map[string]any{
			"key_version": key.Version,
		},
	})
	return key, nil
}

// PruneSigningKeys removes retired keys whose verification window has closed
func (s *Server) PruneSigningKeys(ctx context.Context) (int, error) {
	return s.Keys.Prune(ctx)
}

func (s *Server) lookupClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return client, nil
}

func (s *Server) logAuthFailure(userID, clientID, reason string) {
	s.Logger.Warn("Authentication failed",
		"client_id", clientID,
		"reason", reason)
	s.rt.securityEvent(userID, clientID, func(a *security.Auditor) {
		a.LogAuthFailure(userID, clientID, reason)
	})
}
