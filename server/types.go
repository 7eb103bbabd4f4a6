package server

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"

	// GrantTypeDeviceCodeShort is accepted as an alias of GrantTypeDeviceCode
	GrantTypeDeviceCodeShort = "device_code"
)

// TokenTypeBearer is the only token type the server issues
const TokenTypeBearer = "Bearer"

// normalizeGrantType maps aliases onto canonical grant type names
func normalizeGrantType(grantType string) string {
	if grantType == GrantTypeDeviceCodeShort {
		return GrantTypeDeviceCode
	}
	return grantType
}

// allowsGrant checks the client's grant type restriction, accepting either spelling of
// the device grant in registrations
func allowsGrant(client *storage.Client, grantType string) bool {
	if client.AllowsGrant(grantType) {
		return true
	}
	return grantType == GrantTypeDeviceCode && client.AllowsGrant(GrantTypeDeviceCodeShort)
}

// AccessGrant is what a redeemed authorization code or approved device authorization
// entitles the client to.
type AccessGrant struct {
	ClientID string
	UserID   string
	Scopes   []string
	FamilyID string
}

// AuthorizationRequest is an authorization request for a user who has already been
// authenticated and has consented.
type AuthorizationRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
}

// TokenRequest is a token endpoint request. Client must already be authenticated
// (see Server.AuthenticateClient); public clients are identified by ID only.
type TokenRequest struct {
	GrantType string
	Client    *storage.Client

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// urn:ietf:params:oauth:grant-type:device_code
	DeviceCode string

	// refresh_token
	RefreshToken string

	// Scopes optionally narrows the grant; it never widens it
	Scopes []string
}

// TokenResponse is the RFC 6749 section 5.1 success response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// Expiry is the absolute expiry of AccessToken
	Expiry time.Time `json:"-"`
}

// OAuth2Token converts the response into an *oauth2.Token carrying scope as an extra
func (r *TokenResponse) OAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		Expiry:       r.Expiry,
		ExpiresIn:    r.ExpiresIn,
	}
	if r.Scope != "" {
		token = token.WithExtra(map[string]any{"scope": r.Scope})
	}
	return token
}

// newTokenResponse builds the response for a minted access token and optional refresh token
func newTokenResponse(access *storage.AccessToken, refresh *storage.RefreshToken, now time.Time) *TokenResponse {
	resp := &TokenResponse{
		AccessToken: access.Token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(access.ExpiresAt.Sub(now).Seconds()),
		Scope:       util.JoinScope(access.Scopes),
		Expiry:      access.ExpiresAt,
	}
	if refresh != nil {
		resp.RefreshToken = refresh.Token
	}
	return resp
}

// DeviceAuthorizationResponse is the RFC 8628 section 3.2 response
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}
