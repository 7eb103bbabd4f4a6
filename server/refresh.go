package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// Family revocation reasons, used in logs, audit events and metrics
const (
	revokeReasonCodeReuse    = "authorization_code_reuse"
	revokeReasonRefreshReuse = "refresh_token_reuse"
	revokeReasonDeviceReuse  = "device_code_reuse"
	revokeReasonManual       = "manual"
)

// RefreshTokenEngine issues refresh tokens and rotates them with reuse detection.
//
// Every rotation stores generation+1 in the same family and then marks the presented
// token used through a conditional write. Presenting a used token again is treated as theft
// (OAuth 2.1 section 6.1): the whole family is revoked, including access tokens minted
// from it, and later saves into the family are rejected by the store.
type RefreshTokenEngine struct {
	rt          *runtime
	store       storage.RefreshTokenStore
	accessStore storage.AccessTokenStore
	access      *AccessTokenEngine
	scopes      *ScopeValidator
}

// Issue starts a token family (or continues familyID) with a generation 1 token
func (e *RefreshTokenEngine) Issue(ctx context.Context, clientID, userID string, scopes []string, familyID string) (*storage.RefreshToken, error) {
	if familyID == "" {
		familyID = uuid.NewString()
	}
	return e.issue(ctx, clientID, userID, scopes, familyID, 1)
}

func (e *RefreshTokenEngine) issue(ctx context.Context, clientID, userID string, scopes []string, familyID string, generation int) (*storage.RefreshToken, error) {
	now := e.rt.now()
	token := &storage.RefreshToken{
		Token:      generateRandomToken(),
		FamilyID:   familyID,
		Generation: generation,
		ClientID:   clientID,
		UserID:     userID,
		Scopes:     storage.CloneScopes(scopes),
		IssuedAt:   now,
		ExpiresAt:  now.Add(e.rt.config.RefreshTokenTTL),
	}

	if err := e.store.SaveRefreshToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return token, nil
}

// Rotate exchanges a refresh token for a new access token and the next refresh token of
// the family. requestedScopes may narrow the family's scopes; widening fails with
// ErrScopeExceeded and leaves the presented token usable.
func (e *RefreshTokenEngine) Rotate(ctx context.Context, token, clientID string, requestedScopes []string) (access *storage.AccessToken, next *storage.RefreshToken, err error) {
	ctx, span := e.rt.startSpan(ctx, "refresh_token.rotate")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	current, err := e.store.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return nil, nil, ErrRefreshTokenNotFound
		}
		return nil, nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	instrumentation.AddTokenFamilyAttributes(span, current.FamilyID, current.Generation)

	if current.Revoked() {
		e.rt.logger.Warn("Revoked refresh token presented",
			"family_id", prefix(current.FamilyID),
			"generation", current.Generation,
			"client_id", clientID)
		e.rt.securityEvent(current.UserID, clientID, func(a *security.Auditor) {
			a.LogEvent(security.Event{
				Type:     security.EventRevokedTokenFamilyReuseAttempt,
				UserID:   current.UserID,
				ClientID: clientID,
				Details: map[string]any{
					"generation": current.Generation,
				},
			})
		})
		return nil, nil, ErrRefreshTokenRevoked
	}

	if current.ClientID != clientID {
		e.rt.logger.Warn("Refresh token presented by a different client",
			"expected_client_id", current.ClientID,
			"actual_client_id", clientID)
		return nil, nil, ErrClientMismatch
	}

	if current.Used {
		return nil, nil, e.handleReuse(ctx, current)
	}

	if e.rt.expired(current.ExpiresAt) {
		return nil, nil, ErrRefreshTokenExpired
	}

	scopes, err := e.scopes.Narrow(requestedScopes, current.Scopes)
	if err != nil {
		if errors.Is(err, ErrScopeExceeded) {
			e.rt.metrics().RecordScopeRejected(ctx, clientID, "refresh_widening")
			e.rt.securityEvent(current.UserID, clientID, func(a *security.Auditor) {
				a.LogEvent(security.Event{
					Type:     security.EventScopeEscalationAttempt,
					UserID:   current.UserID,
					ClientID: clientID,
					Details: map[string]any{
						"grant_type": GrantTypeRefreshToken,
						"requested":  util.JoinScope(requestedScopes),
					},
				})
			})
		}
		return nil, nil, err
	}

	// Store the next generation first: until the mark below succeeds the presented token
	// stays usable
	next, err = e.issue(ctx, clientID, current.UserID, scopes, current.FamilyID, current.Generation+1)
	if err != nil {
		if errors.Is(err, storage.ErrFamilyRevoked) {
			return nil, nil, ErrRefreshTokenRevoked
		}
		return nil, nil, err
	}

	access, err = e.access.Issue(ctx, clientID, current.UserID, scopes, current.FamilyID, 0)
	if err != nil {
		if errors.Is(err, storage.ErrFamilyRevoked) {
			return nil, nil, ErrRefreshTokenRevoked
		}
		return nil, nil, err
	}

	// Single conditional write: exactly one concurrent rotation of this token succeeds
	if _, err = e.store.MarkRefreshTokenUsed(ctx, token, e.rt.now()); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyConsumed):
			return nil, nil, e.handleReuse(ctx, current)
		case errors.Is(err, storage.ErrFamilyRevoked):
			return nil, nil, ErrRefreshTokenRevoked
		default:
			return nil, nil, fmt.Errorf("failed to mark refresh token used: %w", err)
		}
	}

	e.rt.logger.Info("Rotated refresh token",
		"client_id", clientID,
		"family_id", prefix(current.FamilyID),
		"generation", next.Generation)
	e.rt.metrics().RecordTokenRefresh(ctx, clientID)
	e.rt.auditor.LogTokenRefreshed(current.UserID, clientID, next.Generation)

	return access, next, nil
}

// handleReuse revokes the family of a token presented after it was used and returns
// ErrReuseDetected
func (e *RefreshTokenEngine) handleReuse(ctx context.Context, token *storage.RefreshToken) error {
	e.rt.logger.Error("Refresh token reuse detected, revoking token family",
		"client_id", token.ClientID,
		"family_id", prefix(token.FamilyID),
		"generation", token.Generation)
	e.rt.metrics().RecordTokenReuseDetected(ctx)
	e.rt.securityEvent(token.UserID, token.ClientID, func(a *security.Auditor) {
		a.LogEvent(security.Event{
			Type:     security.EventRefreshTokenReuseDetected,
			UserID:   token.UserID,
			ClientID: token.ClientID,
			Details: map[string]any{
				"generation": token.Generation,
			},
		})
	})

	if err := e.revokeFamily(ctx, token.FamilyID, token.UserID, token.ClientID, revokeReasonRefreshReuse); err != nil {
		e.rt.logger.Error("Failed to revoke token family after reuse",
			"family_id", prefix(token.FamilyID),
			"error", err)
	}
	return ErrReuseDetected
}

// RevokeFamily revokes every refresh and access token of a family. Idempotent.
func (e *RefreshTokenEngine) RevokeFamily(ctx context.Context, familyID string) error {
	return e.revokeFamily(ctx, familyID, "", "", revokeReasonManual)
}

func (e *RefreshTokenEngine) revokeFamily(ctx context.Context, familyID, userID, clientID, reason string) error {
	ctx, span := e.rt.startSpan(ctx, "token_family.revoke")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrTokenFamilyID, familyID),
		attribute.String("oauth.revoke.reason", reason))

	now := e.rt.now()
	refreshed, refreshErr := e.store.RevokeRefreshTokenFamily(ctx, familyID, now)
	accessed, accessErr := e.accessStore.RevokeAccessTokensByFamily(ctx, familyID, now)
	if err := errors.Join(refreshErr, accessErr); err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to revoke token family: %w", err)
	}

	total := refreshed + accessed
	e.rt.logger.Warn("Revoked token family",
		"family_id", prefix(familyID),
		"reason", reason,
		"refresh_tokens_revoked", refreshed,
		"access_tokens_revoked", accessed)
	e.rt.metrics().RecordFamilyRevoked(ctx, reason)
	e.rt.auditor.LogFamilyRevoked(userID, clientID, familyID, reason, total)
	instrumentation.SetSpanSuccess(span)
	return nil
}
