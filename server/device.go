package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// User codes are typed by humans: no vowels (no accidental words) and no glyphs that
// are easily confused (RFC 8628 section 6.1)
const (
	userCodeAlphabet    = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength      = 8
	maxUserCodeAttempts = 5
)

// PollStatus is the outcome of a device poll
type PollStatus string

const (
	PollAuthorizationPending PollStatus = "authorization_pending"
	PollSlowDown             PollStatus = "slow_down"
	PollAccessGranted        PollStatus = "access_granted"
	PollAccessDenied         PollStatus = "access_denied"
	PollExpired              PollStatus = "expired_token"
)

// PollResult is returned by DeviceAuthorizationEngine.Poll. Grant is set only for
// PollAccessGranted.
type PollResult struct {
	Status PollStatus

	// Interval is the polling interval the device must respect from now on
	Interval int64

	Grant *AccessGrant
}

// DeviceAuthorizationEngine implements the RFC 8628 device authorization state machine.
// Expiry and slow_down are computed lazily from stored timestamps on every call.
type DeviceAuthorizationEngine struct {
	rt       *runtime
	store    storage.DeviceAuthStore
	scopes   *ScopeValidator
	families *RefreshTokenEngine
}

// Start creates a pending device authorization for client
func (e *DeviceAuthorizationEngine) Start(ctx context.Context, client *storage.Client, scopes []string) (resp *DeviceAuthorizationResponse, err error) {
	ctx, span := e.rt.startSpan(ctx, "device_authorization.start")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	if client == nil {
		return nil, ErrInvalidClient
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ID, "", "")

	if !allowsGrant(client, GrantTypeDeviceCode) {
		return nil, ErrUnauthorizedClient
	}
	if e.rt.config.DeviceVerificationURI == "" {
		return nil, fmt.Errorf("device verification URI is not configured")
	}

	granted, err := e.scopes.ForClient(scopes, client)
	if err != nil {
		e.rt.metrics().RecordScopeRejected(ctx, client.ID, "not_registered")
		return nil, err
	}

	now := e.rt.now()
	auth := &storage.DeviceAuthorization{
		DeviceCode: generateRandomToken(),
		ClientID:   client.ID,
		Scopes:     granted,
		Status:     storage.DeviceStatusPending,
		FamilyID:   uuid.NewString(),
		Interval:   e.rt.config.DevicePollInterval,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.rt.config.DeviceCodeTTL),
	}

	for attempt := 0; ; attempt++ {
		auth.UserCode, err = generateUserCode()
		if err != nil {
			return nil, err
		}
		err = e.store.SaveDeviceAuthorization(ctx, auth)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt+1 >= maxUserCodeAttempts {
			return nil, fmt.Errorf("failed to save device authorization: %w", err)
		}
		e.rt.logger.Debug("User code collision, regenerating", "attempt", attempt+1)
	}

	e.rt.metrics().RecordDeviceStarted(ctx, client.ID)
	e.rt.auditor.LogEvent(security.Event{
		Type:     security.EventDeviceAuthorizationStarted,
		ClientID: client.ID,
		Details: map[string]any{
			"scope": util.JoinScope(granted),
		},
	})

	formatted := FormatUserCode(auth.UserCode)
	return &DeviceAuthorizationResponse{
		DeviceCode:              auth.DeviceCode,
		UserCode:                formatted,
		VerificationURI:         e.rt.config.DeviceVerificationURI,
		VerificationURIComplete: verificationURIComplete(e.rt.config.DeviceVerificationURI, formatted),
		ExpiresIn:               int64(e.rt.config.DeviceCodeTTL.Seconds()),
		Interval:                int64(auth.Interval.Seconds()),
	}, nil
}

// Approve records the user's consent for the device showing userCode
func (e *DeviceAuthorizationEngine) Approve(ctx context.Context, userCode, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	return e.decide(ctx, userCode, storage.DeviceStatusApproved, userID)
}

// Deny records the user's refusal for the device showing userCode
func (e *DeviceAuthorizationEngine) Deny(ctx context.Context, userCode string) error {
	return e.decide(ctx, userCode, storage.DeviceStatusDenied, "")
}

func (e *DeviceAuthorizationEngine) decide(ctx context.Context, userCode string, status storage.DeviceStatus, userID string) (err error) {
	ctx, span := e.rt.startSpan(ctx, "device_authorization.decide")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	code := NormalizeUserCode(userCode)
	auth, err := e.store.GetDeviceAuthorizationByUserCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("failed to load device authorization: %w", err)
	}

	if e.rt.expired(auth.ExpiresAt) {
		return ErrDeviceExpired
	}
	if auth.Status != storage.DeviceStatusPending {
		return ErrAlreadyDecided
	}

	if _, err = e.store.DecideDeviceAuthorization(ctx, code, status, userID, e.rt.now()); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyDecided):
			return ErrAlreadyDecided
		case errors.Is(err, storage.ErrDeviceAuthorizationNotFound):
			return ErrDeviceNotFound
		default:
			return fmt.Errorf("failed to record device decision: %w", err)
		}
	}

	eventType := security.EventDeviceAuthorizationApproved
	if status == storage.DeviceStatusDenied {
		eventType = security.EventDeviceAuthorizationDenied
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrDeviceOutcome, string(status)))
	e.rt.metrics().RecordDeviceDecision(ctx, string(status))
	e.rt.auditor.LogEvent(security.Event{
		Type:     eventType,
		UserID:   userID,
		ClientID: auth.ClientID,
	})
	return nil
}

// Poll reports the state of a device authorization. An approved authorization is
// consumed and reported as PollAccessGranted exactly once; later polls fail with
// ErrDeviceCodeAlreadyUsed.
func (e *DeviceAuthorizationEngine) Poll(ctx context.Context, deviceCode, clientID string) (*PollResult, error) {
	return e.poll(ctx, deviceCode, clientID, nil, nil)
}

// poll narrows an approved grant to requestedScopes. A non-nil issue stores the grant's
// tokens before the authorization is consumed, so a failed issue leaves it pollable.
func (e *DeviceAuthorizationEngine) poll(ctx context.Context, deviceCode, clientID string, requestedScopes []string, issue issueFunc) (result *PollResult, err error) {
	ctx, span := e.rt.startSpan(ctx, "device_authorization.poll")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
			return
		}
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrDeviceOutcome, string(result.Status)))
		instrumentation.SetSpanSuccess(span)
		e.rt.metrics().RecordDevicePoll(ctx, string(result.Status))
	}()

	auth, err := e.store.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to load device authorization: %w", err)
	}

	if auth.ClientID != clientID {
		return nil, ErrClientMismatch
	}

	interval := int64(auth.Interval.Seconds())
	if auth.Consumed {
		return nil, ErrDeviceCodeAlreadyUsed
	}
	if e.rt.expired(auth.ExpiresAt) {
		return &PollResult{Status: PollExpired, Interval: interval}, nil
	}

	now := e.rt.now()
	var step time.Duration
	if tooFast(auth, now) {
		step = DeviceSlowDownStep
	}

	previous, err := e.store.RecordDevicePoll(ctx, deviceCode, now, step)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to record device poll: %w", err)
	}

	// A concurrent poll may have landed between the read and the write
	if step > 0 || tooFast(previous, now) {
		e.rt.logger.Debug("Device polling too fast",
			"client_id", clientID,
			"device_code_prefix", prefix(deviceCode))
		return &PollResult{Status: PollSlowDown, Interval: int64((previous.Interval + step).Seconds())}, nil
	}

	switch previous.Status {
	case storage.DeviceStatusPending:
		return &PollResult{Status: PollAuthorizationPending, Interval: interval}, nil
	case storage.DeviceStatusDenied:
		return &PollResult{Status: PollAccessDenied, Interval: interval}, nil
	case storage.DeviceStatusApproved:
	default:
		return nil, fmt.Errorf("unknown device authorization status %q", previous.Status)
	}

	scopes, err := e.scopes.Narrow(requestedScopes, previous.Scopes)
	if err != nil {
		return nil, err
	}

	grant := &AccessGrant{
		ClientID: previous.ClientID,
		UserID:   previous.UserID,
		Scopes:   scopes,
		FamilyID: previous.FamilyID,
	}
	if issue != nil {
		if err = issue(ctx, grant); err != nil {
			return nil, err
		}
	}

	if _, err = e.store.ConsumeDeviceAuthorization(ctx, deviceCode); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyConsumed):
			if issue != nil {
				e.revokeIssued(ctx, grant)
			}
			return nil, ErrDeviceCodeAlreadyUsed
		case errors.Is(err, storage.ErrDeviceAuthorizationNotFound):
			return nil, ErrDeviceNotFound
		default:
			return nil, fmt.Errorf("failed to consume device authorization: %w", err)
		}
	}

	return &PollResult{
		Status:   PollAccessGranted,
		Interval: interval,
		Grant:    grant,
	}, nil
}

// revokeIssued revokes the tokens stored for a grant whose authorization was consumed
// by a concurrent poll
func (e *DeviceAuthorizationEngine) revokeIssued(ctx context.Context, grant *AccessGrant) {
	if e.families == nil {
		return
	}
	if err := e.families.revokeFamily(ctx, grant.FamilyID, grant.UserID, grant.ClientID, revokeReasonDeviceReuse); err != nil {
		e.rt.logger.Error("Failed to revoke tokens after concurrent device poll",
			"family_id", prefix(grant.FamilyID),
			"error", err)
	}
}

// tooFast reports whether a poll at now violates the authorization's interval
func tooFast(auth *storage.DeviceAuthorization, now time.Time) bool {
	if auth.LastPolledAt.IsZero() {
		return false
	}
	return now.Sub(auth.LastPolledAt) < auth.Interval
}

// NormalizeUserCode upper-cases a user code and strips separators and spaces
func NormalizeUserCode(code string) string {
	code = strings.ToUpper(code)
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// FormatUserCode renders a normalized user code as XXXX-XXXX for display
func FormatUserCode(code string) string {
	if len(code) != userCodeLength {
		return code
	}
	return code[:userCodeLength/2] + "-" + code[userCodeLength/2:]
}

func generateUserCode() (string, error) {
	alphabetSize := big.NewInt(int64(len(userCodeAlphabet)))
	var b strings.Builder
	b.Grow(userCodeLength)
	for i := 0; i < userCodeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		b.WriteByte(userCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func verificationURIComplete(base, userCode string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("user_code", userCode)
	u.RawQuery = q.Encode()
	return u.String()
}
