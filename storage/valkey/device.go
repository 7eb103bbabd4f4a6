package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// deviceAuthorizationJSON is the stored form of a device authorization
type deviceAuthorizationJSON struct {
	UserCode     string `json:"user_code"`
	ClientID     string `json:"client_id"`
	Scope        string `json:"scope"`
	Status       string `json:"status"`
	UserID       string `json:"user_id,omitempty"`
	FamilyID     string `json:"family_id"`
	IntervalMS   int64  `json:"interval_ms"`
	CreatedAt    string `json:"created_at"`
	ExpiresAt    string `json:"expires_at"`
	LastPolledAt string `json:"last_polled_at,omitempty"`
	DecidedAt    string `json:"decided_at,omitempty"`
	Consumed     bool   `json:"consumed,omitempty"`
}

func toDeviceAuthorizationJSON(a *storage.DeviceAuthorization) *deviceAuthorizationJSON {
	return &deviceAuthorizationJSON{
		UserCode:     a.UserCode,
		ClientID:     a.ClientID,
		Scope:        util.JoinScope(a.Scopes),
		Status:       string(a.Status),
		UserID:       a.UserID,
		FamilyID:     a.FamilyID,
		IntervalMS:   a.Interval.Milliseconds(),
		CreatedAt:    formatTime(a.CreatedAt),
		ExpiresAt:    formatTime(a.ExpiresAt),
		LastPolledAt: formatTime(a.LastPolledAt),
		DecidedAt:    formatTime(a.DecidedAt),
		Consumed:     a.Consumed,
	}
}

// fromDeviceAuthorizationJSON decodes a stored authorization. DeviceCode is left empty:
// only its digest is stored, so callers that know the device code fill it in.
func fromDeviceAuthorizationJSON(j *deviceAuthorizationJSON) (*storage.DeviceAuthorization, error) {
	var d timeDecoder
	auth := &storage.DeviceAuthorization{
		UserCode:     j.UserCode,
		ClientID:     j.ClientID,
		Scopes:       util.SplitScope(j.Scope),
		Status:       storage.DeviceStatus(j.Status),
		UserID:       j.UserID,
		FamilyID:     j.FamilyID,
		Interval:     time.Duration(j.IntervalMS) * time.Millisecond,
		CreatedAt:    d.parse(j.CreatedAt),
		ExpiresAt:    d.parse(j.ExpiresAt),
		LastPolledAt: d.parse(j.LastPolledAt),
		DecidedAt:    d.parse(j.DecidedAt),
		Consumed:     j.Consumed,
	}
	if d.err != nil {
		return nil, d.err
	}
	return auth, nil
}

// ============================================================
// DeviceAuthStore Implementation
// ============================================================

// SaveDeviceAuthorization stores a new authorization together with its user code index
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("invalid device authorization")
	}

	data, err := json.Marshal(toDeviceAuthorizationJSON(auth))
	if err != nil {
		return fmt.Errorf("failed to marshal device authorization: %w", err)
	}

	result, err := s.eval(ctx, "save device authorization", luaSaveDevice,
		[]string{s.deviceKey(auth.DeviceCode), s.userCodeKey(auth.UserCode)},
		string(data), millis(s.recordTTL(auth.ExpiresAt)), storage.HashToken(auth.DeviceCode))
	if err != nil {
		return err
	}
	if result == resultConflict {
		return fmt.Errorf("%w: device or user code", storage.ErrConflict)
	}
	return nil
}

// GetDeviceAuthorization looks an authorization up by device code
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	auth, err := getAndUnmarshal(ctx, s, s.deviceKey(deviceCode), "get device authorization",
		storage.ErrDeviceAuthorizationNotFound, fromDeviceAuthorizationJSON)
	if err != nil {
		return nil, err
	}
	auth.DeviceCode = deviceCode
	return auth, nil
}

// GetDeviceAuthorizationByUserCode looks an authorization up by user code.
// The returned record has no DeviceCode.
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	key, err := s.resolveUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return getAndUnmarshal(ctx, s, key, "get device authorization",
		storage.ErrDeviceAuthorizationNotFound, fromDeviceAuthorizationJSON)
}

// DecideDeviceAuthorization atomically moves a pending authorization to status
func (s *Store) DecideDeviceAuthorization(ctx context.Context, userCode string, status storage.DeviceStatus, userID string, at time.Time) (*storage.DeviceAuthorization, error) {
	key, err := s.resolveUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}

	result, err := s.eval(ctx, "decide device authorization", luaDecideDevice,
		[]string{key}, string(status), userID, formatTime(at))
	if err != nil {
		return nil, err
	}

	code, data := splitResult(result)
	if code == resultNotFound {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	auth, err := unmarshalRecord(data, "decide device authorization", fromDeviceAuthorizationJSON)
	if err != nil {
		return nil, err
	}
	if code == resultDecided {
		return auth, storage.ErrAlreadyDecided
	}
	return auth, nil
}

// RecordDevicePoll stores the poll time and returns the authorization as it was before
func (s *Store) RecordDevicePoll(ctx context.Context, deviceCode string, at time.Time, slowDownStep time.Duration) (*storage.DeviceAuthorization, error) {
	if slowDownStep < 0 {
		slowDownStep = 0
	}

	result, err := s.eval(ctx, "record device poll", luaRecordPoll,
		[]string{s.deviceKey(deviceCode)}, formatTime(at), millis(slowDownStep))
	if err != nil {
		return nil, err
	}
	if result == resultNotFound {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}

	previous, err := unmarshalRecord(result, "record device poll", fromDeviceAuthorizationJSON)
	if err != nil {
		return nil, err
	}
	previous.DeviceCode = deviceCode
	return previous, nil
}

// ConsumeDeviceAuthorization atomically marks an approved authorization as exchanged
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	result, err := s.eval(ctx, "consume device authorization", luaConsumeDevice,
		[]string{s.deviceKey(deviceCode)})
	if err != nil {
		return nil, err
	}

	status, data := splitResult(result)
	if status == resultNotFound {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	auth, err := unmarshalRecord(data, "consume device authorization", fromDeviceAuthorizationJSON)
	if err != nil {
		return nil, err
	}
	auth.DeviceCode = deviceCode

	switch status {
	case resultConsumed:
		return auth, storage.ErrAlreadyConsumed
	case resultNotApproved:
		return auth, fmt.Errorf("%w: device authorization is %s", storage.ErrConflict, auth.Status)
	}
	return auth, nil
}

// resolveUserCode returns the device record key a user code points at
func (s *Store) resolveUserCode(ctx context.Context, userCode string) (string, error) {
	digest, found, err := s.get(ctx, s.userCodeKey(userCode), "resolve user code")
	if err != nil {
		return "", err
	}
	if !found {
		return "", storage.ErrDeviceAuthorizationNotFound
	}
	return s.deviceKeyFromDigest(digest), nil
}
