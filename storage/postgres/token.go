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

const refreshColumns = `family_id, generation, client_id, user_id, scopes, issued_at, expires_at, used_at, revoked_at`

const accessColumns = `client_id, user_id, scopes, family_id, issued_at, expires_at, revoked_at`

func scanRefreshToken(row scanner, token string) (*storage.RefreshToken, error) {
	var (
		t                 storage.RefreshToken
		usedAt, revokedAt *time.Time
	)
	err := row.Scan(&t.FamilyID, &t.Generation, &t.ClientID, &t.UserID, &t.Scopes,
		&t.IssuedAt, &t.ExpiresAt, &usedAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	t.Token = token
	t.Scopes = nilIfEmpty(t.Scopes)
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.Used = usedAt != nil
	t.UsedAt = timeValue(usedAt)
	t.RevokedAt = timeValue(revokedAt)
	return &t, nil
}

func scanAccessToken(row scanner, token string) (*storage.AccessToken, error) {
	var (
		t         storage.AccessToken
		revokedAt *time.Time
	)
	err := row.Scan(&t.ClientID, &t.UserID, &t.Scopes, &t.FamilyID, &t.IssuedAt, &t.ExpiresAt, &revokedAt)
	if err != nil {
		return nil, err
	}
	t.Token = token
	t.Scopes = nilIfEmpty(t.Scopes)
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.RevokedAt = timeValue(revokedAt)
	return &t, nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a refresh token unless its family has been revoked
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" || token.FamilyID == "" {
		return fmt.Errorf("invalid refresh token")
	}

	err := s.withFamilyLock(ctx, token.FamilyID, func(tx pgx.Tx) error {
		revoked, err := familyRevoked(ctx, tx, token.FamilyID)
		if err != nil {
			return err
		}
		if revoked {
			return storage.ErrFamilyRevoked
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO refresh_tokens (token_hash, `+refreshColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			storage.HashToken(token.Token), token.FamilyID, token.Generation, token.ClientID,
			token.UserID, nonNil(token.Scopes), token.IssuedAt, token.ExpiresAt,
			nullTime(token.UsedAt), nullTime(token.RevokedAt))
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrFamilyRevoked) {
			return err
		}
		return wrapError("save refresh token", err)
	}

	s.logger.Debug("Saved refresh token",
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation)
	return nil
}

// GetRefreshToken returns a refresh token without modifying it
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	rt, err := scanRefreshToken(s.pool.QueryRow(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = $1`,
		storage.HashToken(token)), token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrRefreshTokenNotFound
		}
		return nil, wrapError("get refresh token", err)
	}
	return rt, nil
}

// MarkRefreshTokenUsed atomically marks a refresh token used.
//
// SECURITY: The UPDATE only matches unused, unrevoked rows of live families. A
// concurrent revocation that commits first makes the row fail the re-check.
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, token string, at time.Time) (*storage.RefreshToken, error) {
	rt, err := scanRefreshToken(s.pool.QueryRow(ctx, `
		UPDATE refresh_tokens t SET used_at = $2
		WHERE t.token_hash = $1
			AND t.used_at IS NULL
			AND t.revoked_at IS NULL
			AND NOT EXISTS (SELECT 1 FROM revoked_families f WHERE f.family_id = t.family_id)
		RETURNING `+refreshColumns,
		storage.HashToken(token), at), token)
	if err == nil {
		return rt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapError("mark refresh token used", err)
	}

	stored, err := s.GetRefreshToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if stored.Revoked() {
		return stored, storage.ErrFamilyRevoked
	}

	var revoked bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_families WHERE family_id = $1)`, stored.FamilyID,
	).Scan(&revoked); err != nil {
		return nil, wrapError("check family revocation", err)
	}
	if revoked {
		return stored, storage.ErrFamilyRevoked
	}
	return stored, storage.ErrAlreadyConsumed
}

// RevokeRefreshTokenFamily revokes every refresh token of the family and records the family as revoked
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string, at time.Time) (int, error) {
	revoked, err := s.revokeFamily(ctx, familyID, at,
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE family_id = $1 AND revoked_at IS NULL`)
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

// SaveAccessToken stores an access token; family tokens are rejected once the family is revoked
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}

	const query = `
		INSERT INTO access_tokens (token_hash, ` + accessColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	args := []any{
		storage.HashToken(token.Token), token.ClientID, token.UserID, nonNil(token.Scopes),
		token.FamilyID, token.IssuedAt, token.ExpiresAt, nullTime(token.RevokedAt),
	}

	var err error
	if token.FamilyID == "" {
		_, err = s.pool.Exec(ctx, query, args...)
	} else {
		err = s.withFamilyLock(ctx, token.FamilyID, func(tx pgx.Tx) error {
			revoked, err := familyRevoked(ctx, tx, token.FamilyID)
			if err != nil {
				return err
			}
			if revoked {
				return storage.ErrFamilyRevoked
			}
			_, err = tx.Exec(ctx, query, args...)
			return err
		})
	}
	if err != nil {
		if errors.Is(err, storage.ErrFamilyRevoked) {
			return err
		}
		return wrapError("save access token", err)
	}
	return nil
}

// GetAccessToken returns an access token
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	at, err := scanAccessToken(s.pool.QueryRow(ctx,
		`SELECT `+accessColumns+` FROM access_tokens WHERE token_hash = $1`,
		storage.HashToken(token)), token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrAccessTokenNotFound
		}
		return nil, wrapError("get access token", err)
	}
	return at, nil
}

// RevokeAccessTokensByFamily revokes all access tokens minted for a token family
func (s *Store) RevokeAccessTokensByFamily(ctx context.Context, familyID string, at time.Time) (int, error) {
	return s.revokeFamily(ctx, familyID, at,
		`UPDATE access_tokens SET revoked_at = $2 WHERE family_id = $1 AND revoked_at IS NULL`)
}

// revokeFamily records the revoked marker and runs update under the family lock.
// update takes the family ID and revocation time as $1 and $2.
func (s *Store) revokeFamily(ctx context.Context, familyID string, at time.Time, update string) (int, error) {
	if familyID == "" {
		return 0, fmt.Errorf("family ID is required")
	}

	var revoked int64
	err := s.withFamilyLock(ctx, familyID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO revoked_families (family_id, revoked_at) VALUES ($1, $2)
			ON CONFLICT (family_id) DO NOTHING`,
			familyID, at); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, update, familyID, at)
		if err != nil {
			return err
		}
		revoked = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, wrapError("revoke token family", err)
	}
	return int(revoked), nil
}

// ============================================================
// Sweeper Implementation
// ============================================================

// DeleteExpired removes rows whose lifetime ended before cutoff and revoked family
// markers older than the retention period
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	statements := []struct {
		query string
		arg   time.Time
	}{
		{`DELETE FROM authorization_codes WHERE expires_at < $1`, cutoff},
		{`DELETE FROM device_authorizations WHERE expires_at < $1`, cutoff},
		{`DELETE FROM refresh_tokens WHERE expires_at < $1`, cutoff},
		{`DELETE FROM access_tokens WHERE expires_at < $1`, cutoff},
		{`DELETE FROM revoked_families WHERE revoked_at < $1`, cutoff.Add(-s.revokedFamilyRetention)},
	}

	var cleaned int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range statements {
			tag, err := tx.Exec(ctx, stmt.query, stmt.arg)
			if err != nil {
				return err
			}
			cleaned += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, wrapError("delete expired rows", err)
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired rows", "count", cleaned)
	}
	return int(cleaned), nil
}
