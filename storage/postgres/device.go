package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

const deviceColumns = `user_code, client_id, scopes, status, user_id, family_id, interval_ms,
	created_at, expires_at, last_polled_at, decided_at, consumed_at`

// scanDevice reads a device authorization row. DeviceCode is left empty: only its
// digest is stored.
func scanDevice(row scanner) (*storage.DeviceAuthorization, error) {
	var (
		d                                 storage.DeviceAuthorization
		status                            string
		intervalMS                        int64
		lastPolledAt, decidedAt, consumed *time.Time
	)
	err := row.Scan(&d.UserCode, &d.ClientID, &d.Scopes, &status, &d.UserID, &d.FamilyID, &intervalMS,
		&d.CreatedAt, &d.ExpiresAt, &lastPolledAt, &decidedAt, &consumed)
	if err != nil {
		return nil, err
	}
	d.Scopes = nilIfEmpty(d.Scopes)
	d.Status = storage.DeviceStatus(status)
	d.Interval = time.Duration(intervalMS) * time.Millisecond
	d.CreatedAt = d.CreatedAt.UTC()
	d.ExpiresAt = d.ExpiresAt.UTC()
	d.LastPolledAt = timeValue(lastPolledAt)
	d.DecidedAt = timeValue(decidedAt)
	d.Consumed = consumed != nil
	return &d, nil
}

// ============================================================
// DeviceAuthStore Implementation
// ============================================================

// SaveDeviceAuthorization stores a new pending authorization.
// The primary key and the unique user code column report collisions as ErrConflict.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("invalid device authorization")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_authorizations (device_code_hash, `+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL)`,
		storage.HashToken(auth.DeviceCode), auth.UserCode, auth.ClientID, nonNil(auth.Scopes),
		string(auth.Status), auth.UserID, auth.FamilyID, auth.Interval.Milliseconds(),
		auth.CreatedAt, auth.ExpiresAt, nullTime(auth.LastPolledAt), nullTime(auth.DecidedAt))
	if err != nil {
		return wrapError("save device authorization", err)
	}
	return nil
}

// GetDeviceAuthorization looks an authorization up by device code
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	auth, err := scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM device_authorizations WHERE device_code_hash = $1`,
		storage.HashToken(deviceCode)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrDeviceAuthorizationNotFound
		}
		return nil, wrapError("get device authorization", err)
	}
	auth.DeviceCode = deviceCode
	return auth, nil
}

// GetDeviceAuthorizationByUserCode looks an authorization up by user code.
// The returned record has no DeviceCode.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	auth, err := scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM device_authorizations WHERE user_code = $1`, userCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrDeviceAuthorizationNotFound
		}
		return nil, wrapError("get device authorization", err)
	}
	return auth, nil
}

// DecideDeviceAuthorization atomically moves a pending authorization to status
func (s *Store) DecideDeviceAuthorization(ctx context.Context, userCode string, status storage.DeviceStatus, userID string, at time.Time) (*storage.DeviceAuthorization, error) {
	auth, err := scanDevice(s.pool.QueryRow(ctx, `
		UPDATE device_authorizations SET status = $2, user_id = $3, decided_at = $4
		WHERE user_code = $1 AND status = 'pending'
		RETURNING `+deviceColumns,
		userCode, string(status), userID, at))
	if err == nil {
		return auth, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapError("decide device authorization", err)
	}

	stored, err := s.GetDeviceAuthorizationByUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return stored, storage.ErrAlreadyDecided
}

// RecordDevicePoll stores the poll time and returns the authorization as it was before.
// The row lock serializes concurrent polls of the same device.
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, at time.Time, slowDownStep time.Duration) (*storage.DeviceAuthorization, error) {
	if slowDownStep < 0 {
		slowDownStep = 0
	}
	digest := storage.HashToken(deviceCode)

	var previous *storage.DeviceAuthorization
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		previous, err = scanDevice(tx.QueryRow(ctx,
			`SELECT `+deviceColumns+` FROM device_authorizations WHERE device_code_hash = $1 FOR UPDATE`,
			digest))
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE device_authorizations
			SET last_polled_at = $2, interval_ms = interval_ms + $3
			WHERE device_code_hash = $1`,
			digest, at, slowDownStep.Milliseconds())
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrDeviceAuthorizationNotFound
		}
		return nil, wrapError("record device poll", err)
	}

	previous.DeviceCode = deviceCode
	return previous, nil
}

// ConsumeDeviceAuthorization atomically marks an approved authorization as exchanged
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	auth, err := scanDevice(s.pool.QueryRow(ctx, `
		UPDATE device_authorizations SET consumed_at = now()
		WHERE device_code_hash = $1 AND consumed_at IS NULL AND status = 'approved'
		RETURNING `+deviceColumns,
		storage.HashToken(deviceCode)))
	if err == nil {
		auth.DeviceCode = deviceCode
		return auth, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapError("consume device authorization", err)
	}

	stored, err := s.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		return nil, err
	}
	if stored.Consumed {
		return stored, storage.ErrAlreadyConsumed
	}
	return stored, fmt.Errorf("%w: device authorization is %s", storage.ErrConflict, stored.Status)
}
