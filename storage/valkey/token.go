package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// refreshTokenJSON is the stored form of a refresh token
type refreshTokenJSON struct {
	FamilyID   string `json:"family_id"`
	Generation int    `json:"generation"`
	ClientID   string `json:"client_id"`
	UserID     string `json:"user_id"`
	Scope      string `json:"scope"`
	IssuedAt   string `json:"issued_at"`
	ExpiresAt  string `json:"expires_at"`
	Used       bool   `json:"used,omitempty"`
	UsedAt     string `json:"used_at,omitempty"`
	RevokedAt  string `json:"revoked_at,omitempty"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		FamilyID:   t.FamilyID,
		Generation: t.Generation,
		ClientID:   t.ClientID,
		UserID:     t.UserID,
		Scope:      util.JoinScope(t.Scopes),
		IssuedAt:   formatTime(t.IssuedAt),
		ExpiresAt:  formatTime(t.ExpiresAt),
		Used:       t.Used,
		UsedAt:     formatTime(t.UsedAt),
		RevokedAt:  formatTime(t.RevokedAt),
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) (*storage.RefreshToken, error) {
	var d timeDecoder
	token := &storage.RefreshToken{
		FamilyID:   j.FamilyID,
		Generation: j.Generation,
		ClientID:   j.ClientID,
		UserID:     j.UserID,
		Scopes:     util.SplitScope(j.Scope),
		IssuedAt:   d.parse(j.IssuedAt),
		ExpiresAt:  d.parse(j.ExpiresAt),
		Used:       j.Used,
		UsedAt:     d.parse(j.UsedAt),
		RevokedAt:  d.parse(j.RevokedAt),
	}
	if d.err != nil {
		return nil, d.err
	}
	return token, nil
}

// accessTokenJSON is the stored form of an access token
type accessTokenJSON struct {
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id,omitempty"`
	Scope     string `json:"scope"`
	FamilyID  string `json:"family_id,omitempty"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
	RevokedAt string `json:"revoked_at,omitempty"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scope:     util.JoinScope(t.Scopes),
		FamilyID:  t.FamilyID,
		IssuedAt:  formatTime(t.IssuedAt),
		ExpiresAt: formatTime(t.ExpiresAt),
		RevokedAt: formatTime(t.RevokedAt),
	}
}

func fromAccessTokenJSON(j *accessTokenJSON) (*storage.AccessToken, error) {
	var d timeDecoder
	token := &storage.AccessToken{
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scopes:    util.SplitScope(j.Scope),
		FamilyID:  j.FamilyID,
		IssuedAt:  d.parse(j.IssuedAt),
		ExpiresAt: d.parse(j.ExpiresAt),
		RevokedAt: d.parse(j.RevokedAt),
	}
	if d.err != nil {
		return nil, d.err
	}
	return token, nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a refresh token and adds it to its family index
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" || token.FamilyID == "" {
		return fmt.Errorf("invalid refresh token")
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	result, err := s.eval(ctx, "save refresh token", luaSaveIfAbsent,
		[]string{
			s.refreshKey(token.Token),
			s.revokedFamilyKey(token.FamilyID),
			s.familyRefreshKey(token.FamilyID),
		},
		string(data), millis(s.recordTTL(token.ExpiresAt)), storage.HashToken(token.Token))
	if err != nil {
		return err
	}

	switch result {
	case resultFamilyRevoked:
		return storage.ErrFamilyRevoked
	case resultConflict:
		return fmt.Errorf("%w: refresh token", storage.ErrConflict)
	}

	s.logger.Debug("Saved refresh token",
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken returns a refresh token without modifying it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	rt, err := getAndUnmarshal(ctx, s, s.refreshKey(token), "get refresh token",
		storage.ErrRefreshTokenNotFound, fromRefreshTokenJSON)
	if err != nil {
		return nil, err
	}
	rt.Token = token
	return rt, nil
}

// MarkRefreshTokenUsed atomically marks a refresh token used.
// The family ID never changes after a token is written, so it is read first to name
// the revoked family marker the script must check.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, token string, at time.Time) (*storage.RefreshToken, error) {
	current, err := s.GetRefreshToken(ctx, token)
	if err != nil {
		return nil, err
	}

	result, err := s.eval(ctx, "mark refresh token used", luaMarkRefreshUsed,
		[]string{s.refreshKey(token), s.revokedFamilyKey(current.FamilyID)},
		formatTime(at))
	if err != nil {
		return nil, err
	}

	status, data := splitResult(result)
	if status == resultNotFound {
		return nil, storage.ErrRefreshTokenNotFound
	}
	rt, err := unmarshalRecord(data, "mark refresh token used", fromRefreshTokenJSON)
	if err != nil {
		return nil, err
	}
	rt.Token = token

	switch status {
	case resultFamilyRevoked:
		return rt, storage.ErrFamilyRevoked
	case resultConsumed:
		return rt, storage.ErrAlreadyConsumed
	}
	return rt, nil
}

// RevokeRefreshTokenFamily revokes every refresh token of the family and records the
// family as revoked for the configured retention period
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, at time.Time) (int, error) {
	revoked, err := s.revokeFamily(ctx, familyID, at, s.familyRefreshKey(familyID), s.refreshKeyPrefix())
	if err != nil {
		return 0, err
	}

	s.logger.Info("Revoked refresh token family",
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
		"tokens_revoked", revoked)
	return revoked, nil
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// SaveAccessToken stores an access token; tokens with a family are added to its index
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}

	data, err := json.Marshal(toAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	keys := []string{s.accessKey(token.Token)}
	if token.FamilyID != "" {
		keys = append(keys, s.revokedFamilyKey(token.FamilyID), s.familyAccessKey(token.FamilyID))
	}

	result, err := s.eval(ctx, "save access token", luaSaveIfAbsent, keys,
		string(data), millis(s.recordTTL(token.ExpiresAt)), storage.HashToken(token.Token))
	if err != nil {
		return err
	}

	switch result {
	case resultFamilyRevoked:
		return storage.ErrFamilyRevoked
	case resultConflict:
		return fmt.Errorf("%w: access token", storage.ErrConflict)
	}
	return nil
}

// GetAccessToken returns an access token
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	at, err := getAndUnmarshal(ctx, s, s.accessKey(token), "get access token",
		storage.ErrAccessTokenNotFound, fromAccessTokenJSON)
	if err != nil {
		return nil, err
	}
	at.Token = token
	return at, nil
}

// RevokeAccessTokensByFamily revokes all access tokens minted for a token family
func (s *Store) RevokeAccessTokensByFamily(ctx context.Context, familyID string, at time.Time) (int, error) {
	revoked, err := s.revokeFamily(ctx, familyID, at, s.familyAccessKey(familyID), s.accessKeyPrefix())
	if err != nil {
		return 0, err
	}

	s.logger.Debug("Revoked access tokens of family",
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
		"tokens_revoked", revoked)
	return revoked, nil
}

// revokeFamily runs the revocation script against one family index.
// The script derives record keys from index members, so the store expects a single
// Valkey node (or a cluster where the prefix is hash-tagged).
func (s *Store) revokeFamily(ctx context.Context, familyID string, at time.Time, indexKey, recordPrefix string) (int, error) {
	if familyID == "" {
		return 0, fmt.Errorf("family ID is required")
	}

	n, err := s.evalInt(ctx, "revoke token family", luaRevokeFamily,
		[]string{s.revokedFamilyKey(familyID), indexKey},
		formatTime(at), millis(s.revokedFamilyRetention), recordPrefix)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
