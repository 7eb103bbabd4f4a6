package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// authorizationCodeJSON is the stored form of an authorization code.
// Scopes are kept as a space separated string: cjson turns empty arrays into objects.
type authorizationCodeJSON struct {
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	Scope               string `json:"scope"`
	FamilyID            string `json:"family_id"`
	IssuedAt            string `json:"issued_at"`
	ExpiresAt           string `json:"expires_at"`
	Consumed            bool   `json:"consumed,omitempty"`
	ConsumedAt          string `json:"consumed_at,omitempty"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Scope:               util.JoinScope(c.Scopes),
		FamilyID:            c.FamilyID,
		IssuedAt:            formatTime(c.IssuedAt),
		ExpiresAt:           formatTime(c.ExpiresAt),
		Consumed:            c.Consumed,
		ConsumedAt:          formatTime(c.ConsumedAt),
	}
}

// fromAuthorizationCodeJSON decodes a stored code; the raw code is filled in by the caller
func fromAuthorizationCodeJSON(j *authorizationCodeJSON) (*storage.AuthorizationCode, error) {
	var d timeDecoder
	code := &storage.AuthorizationCode{
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Scopes:              util.SplitScope(j.Scope),
		FamilyID:            j.FamilyID,
		IssuedAt:            d.parse(j.IssuedAt),
		ExpiresAt:           d.parse(j.ExpiresAt),
		Consumed:            j.Consumed,
		ConsumedAt:          d.parse(j.ConsumedAt),
	}
	if d.err != nil {
		return nil, d.err
	}
	return code, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a newly issued code. The key outlives the code's expiry
// by the configured retention so replays of an expired code are still recognized.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	result, err := s.eval(ctx, "save authorization code", luaSaveIfAbsent,
		[]string{s.codeKey(code.Code)},
		string(data), millis(s.recordTTL(code.ExpiresAt)), "")
	if err != nil {
		return err
	}
	if result == resultConflict {
		return fmt.Errorf("%w: authorization code", storage.ErrConflict)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode returns a code without modifying it. Expired codes are returned
// as long as their key exists.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	authCode, err := getAndUnmarshal(ctx, s, s.codeKey(code), "get authorization code",
		storage.ErrAuthorizationCodeNotFound, fromAuthorizationCodeJSON)
	if err != nil {
		return nil, err
	}
	authCode.Code = code
	return authCode, nil
}

// ConsumeAuthorizationCode atomically marks a code consumed.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, at time.Time) (*storage.AuthorizationCode, error) {
	result, err := s.eval(ctx, "consume authorization code", luaConsumeCode,
		[]string{s.codeKey(code)}, formatTime(at))
	if err != nil {
		return nil, err
	}

	status, data := splitResult(result)
	if status == resultNotFound {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	authCode, err := unmarshalRecord(data, "consume authorization code", fromAuthorizationCodeJSON)
	if err != nil {
		return nil, err
	}
	authCode.Code = code

	if status == resultConsumed {
		return authCode, storage.ErrAlreadyConsumed
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// DeleteAuthorizationCode removes a code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return wrapError("delete authorization code", err)
	}
	return nil
}

// timeDecoder parses a series of timestamps and keeps the first error
type timeDecoder struct {
	err error
}

func (d *timeDecoder) parse(s string) time.Time {
	if d.err != nil {
		return time.Time{}
	}
	t, err := parseTime(s)
	if err != nil {
		d.err = err
	}
	return t
}
