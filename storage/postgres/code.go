package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

const codeColumns = `client_id, user_id, redirect_uri, code_challenge, code_challenge_method,
	scopes, family_id, issued_at, expires_at, consumed_at`

// scanCode reads a code row; the raw code is set by the caller
func scanCode(row scanner, code string) (*storage.AuthorizationCode, error) {
	var (
		c          storage.AuthorizationCode
		consumedAt *time.Time
	)
	err := row.Scan(&c.ClientID, &c.UserID, &c.RedirectURI, &c.CodeChallenge, &c.CodeChallengeMethod,
		&c.Scopes, &c.FamilyID, &c.IssuedAt, &c.ExpiresAt, &consumedAt)
	if err != nil {
		return nil, err
	}
	c.Code = code
	c.Scopes = nilIfEmpty(c.Scopes)
	c.IssuedAt = c.IssuedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.Consumed = consumedAt != nil
	c.ConsumedAt = timeValue(consumedAt)
	return &c, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a newly issued code under its digest
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO authorization_codes (code_hash, `+codeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		storage.HashToken(code.Code), code.ClientID, code.UserID, code.RedirectURI,
		code.CodeChallenge, code.CodeChallengeMethod, nonNil(code.Scopes), code.FamilyID,
		code.IssuedAt, code.ExpiresAt, nullTime(code.ConsumedAt))
	if err != nil {
		return wrapError("save authorization code", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode returns a code without modifying it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	authCode, err := scanCode(s.pool.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM authorization_codes WHERE code_hash = $1`,
		storage.HashToken(code)), code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, wrapError("get authorization code", err)
	}
	return authCode, nil
}

// ConsumeAuthorizationCode atomically marks a code consumed.
//
// SECURITY: The UPDATE only matches unconsumed rows, so exactly one concurrent caller
// gets a row back.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, at time.Time) (*storage.AuthorizationCode, error) {
	authCode, err := scanCode(s.pool.QueryRow(ctx, `
		UPDATE authorization_codes SET consumed_at = $2
		WHERE code_hash = $1 AND consumed_at IS NULL
		RETURNING `+codeColumns,
		storage.HashToken(code), at), code)
	if err == nil {
		s.logger.Debug("Consumed authorization code",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		return authCode, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapError("consume authorization code", err)
	}

	// Either unknown or consumed before
	stored, err := s.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return stored, storage.ErrAlreadyConsumed
}

// DeleteAuthorizationCode removes a code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM authorization_codes WHERE code_hash = $1`, storage.HashToken(code),
	); err != nil {
		return wrapError("delete authorization code", err)
	}
	return nil
}
