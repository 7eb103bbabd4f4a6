// Package storage defines the ports the authorization engine uses to persist clients,
// authorization codes, device authorizations and tokens.
package storage

import (
	"context"
	"time"
)

// ClientStore provides read access to registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// GetClient retrieves a client by ID. Returns ErrClientNotFound if unknown.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// ClientRegistry is a ClientStore that can also be written to (seeding, admin tooling).
type ClientRegistry interface {
	ClientStore

	// SaveClient creates or replaces a client registration
	SaveClient(ctx context.Context, client *Client) error

	// ListClients lists all registered clients
	ListClients(ctx context.Context) ([]*Client, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores a newly issued code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns a code without modifying it.
	// Expired codes are still returned; expiry is decided by the caller's clock.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically flips Consumed from false to true.
	// If the code was already consumed the stored record is returned together with
	// ErrAlreadyConsumed so the caller can run reuse handling.
	// SECURITY: This operation MUST be a single conditional write in the backing store.
	ConsumeAuthorizationCode(ctx context.Context, code string, at time.Time) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// DeviceAuthStore persists device authorizations (RFC 8628).
type DeviceAuthStore interface {
	// SaveDeviceAuthorization stores a new pending authorization.
	// Returns ErrConflict if the device code or user code is already taken.
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// GetDeviceAuthorization looks an authorization up by device code
	GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)

	// GetDeviceAuthorizationByUserCode looks an authorization up by user code
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// DecideDeviceAuthorization atomically moves a pending authorization to status.
	// Returns ErrAlreadyDecided (with the stored record) if it is not pending.
	DecideDeviceAuthorization(ctx context.Context, userCode string, status DeviceStatus, userID string, at time.Time) (*DeviceAuthorization, error)

	// RecordDevicePoll atomically stores the poll time and returns the authorization as it
	// was before the update, so LastPolledAt holds the previous poll time.
	// A non-zero slowDownStep is added to the stored interval.
	RecordDevicePoll(ctx context.Context, deviceCode string, at time.Time, slowDownStep time.Duration) (*DeviceAuthorization, error)

	// ConsumeDeviceAuthorization atomically marks an approved authorization as exchanged.
	// Returns ErrAlreadyConsumed if it was exchanged before and ErrConflict if it is
	// not approved.
	ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)
}

// RefreshTokenStore persists refresh tokens and their families.
type RefreshTokenStore interface {
	// SaveRefreshToken stores a new refresh token.
	// Returns ErrFamilyRevoked if the token's family has been revoked.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns a refresh token without modifying it
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// MarkRefreshTokenUsed atomically flips Used from false to true.
	// Returns ErrAlreadyConsumed (with the stored record) if it was already used and
	// ErrFamilyRevoked if the token or its family is revoked.
	// SECURITY: This operation MUST be a single conditional write in the backing store.
	MarkRefreshTokenUsed(ctx context.Context, token string, at time.Time) (*RefreshToken, error)

	// RevokeRefreshTokenFamily revokes every token of the family and remembers the family
	// as revoked. Idempotent. Returns the number of tokens newly revoked.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string, at time.Time) (int, error)
}

// AccessTokenStore persists issued access tokens.
type AccessTokenStore interface {
	// SaveAccessToken stores a newly minted access token.
	// Returns ErrFamilyRevoked if the token belongs to a revoked family.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns an access token
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessTokensByFamily revokes all access tokens minted for a token family and
	// remembers the family as revoked. Idempotent. Returns the number of tokens newly revoked.
	RevokeAccessTokensByFamily(ctx context.Context, familyID string, at time.Time) (int, error)
}

// UserAuthenticator verifies end-user credentials for session login.
type UserAuthenticator interface {
	// AuthenticateUser returns the user ID for valid credentials and
	// ErrInvalidCredentials otherwise.
	AuthenticateUser(ctx context.Context, username, password string) (string, error)
}

// Sweeper removes rows whose lifetime ended before cutoff. Housekeeping only: the engine
// never depends on it because expiry is evaluated lazily.
type Sweeper interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// ClientKind distinguishes confidential from public clients
type ClientKind string

const (
	// ClientKindConfidential clients can keep a secret
	ClientKindConfidential ClientKind = "confidential"

	// ClientKindPublic clients cannot authenticate and must use PKCE
	ClientKindPublic ClientKind = "public"
)

// Client represents a registered OAuth client
type Client struct {
	ID           string
	Kind         ClientKind
	SecretHash   string // bcrypt hash, empty for public clients
	Name         string
	Scopes       []string
	RedirectURIs []string
	GrantTypes   []string // empty allows every supported grant
	CreatedAt    time.Time
}

// IsPublic reports whether the client is a public client
func (c *Client) IsPublic() bool {
	return c.Kind == ClientKindPublic
}

// AllowsGrant reports whether the client may use the given grant type
func (c *Client) AllowsGrant(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return true
	}
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
	FamilyID            string // token family minted when the code is redeemed
	IssuedAt            time.Time
	ExpiresAt           time.Time
	Consumed            bool
	ConsumedAt          time.Time
}

// DeviceStatus is the decision state of a device authorization
type DeviceStatus string

const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusDenied   DeviceStatus = "denied"
)

// DeviceAuthorization represents an RFC 8628 device authorization request
type DeviceAuthorization struct {
	DeviceCode   string
	UserCode     string
	ClientID     string
	Scopes       []string
	Status       DeviceStatus
	UserID       string
	FamilyID     string
	Interval     time.Duration
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastPolledAt time.Time
	DecidedAt    time.Time
	Consumed     bool
}

// RefreshToken represents one generation of a refresh token family
type RefreshToken struct {
	Token      string
	FamilyID   string
	Generation int
	ClientID   string
	UserID     string
	Scopes     []string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Used       bool
	UsedAt     time.Time
	RevokedAt  time.Time
}

// Revoked reports whether the token has been revoked
func (t *RefreshToken) Revoked() bool {
	return !t.RevokedAt.IsZero()
}

// AccessToken represents an issued bearer token
type AccessToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scopes    []string
	FamilyID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt time.Time
}

// Revoked reports whether the token has been revoked
func (t *AccessToken) Revoked() bool {
	return !t.RevokedAt.IsZero()
}
