package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// AccessTokenEngine mints and validates opaque bearer tokens.
type AccessTokenEngine struct {
	rt    *runtime
	store storage.AccessTokenStore
}

// Issue mints an access token. Scopes are stamped as given; callers validate them first.
// A zero ttl uses Config.AccessTokenTTL. Returns storage.ErrFamilyRevoked (wrapped) if the
// family was revoked concurrently.
func (e *AccessTokenEngine) Issue(ctx context.Context, clientID, userID string, scopes []string, familyID string, ttl time.Duration) (*storage.AccessToken, error) {
	if ttl <= 0 {
		ttl = e.rt.config.AccessTokenTTL
	}

	now := e.rt.now()
	token := &storage.AccessToken{
		Token:     generateRandomToken(),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    storage.CloneScopes(scopes),
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	if err := e.store.SaveAccessToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	return token, nil
}

// Validate returns the stored token if it is live
func (e *AccessTokenEngine) Validate(ctx context.Context, token string) (*storage.AccessToken, error) {
	ctx, span := e.rt.startSpan(ctx, "access_token.validate")
	defer span.End()

	at, err := e.store.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrAccessTokenNotFound) {
			err = ErrAccessTokenNotFound
		}
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if at.Revoked() {
		instrumentation.RecordError(span, ErrAccessTokenRevoked)
		return nil, ErrAccessTokenRevoked
	}
	if e.rt.expired(at.ExpiresAt) {
		instrumentation.RecordError(span, ErrAccessTokenExpired)
		return nil, ErrAccessTokenExpired
	}

	instrumentation.AddOAuthFlowAttributes(span, at.ClientID, at.UserID, "")
	instrumentation.SetSpanSuccess(span)
	return at, nil
}
