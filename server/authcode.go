package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// AuthorizationCodeEngine issues authorization codes and redeems them exactly once.
type AuthorizationCodeEngine struct {
	rt       *runtime
	store    storage.CodeStore
	pkce     *PKCEVerifier
	scopes   *ScopeValidator
	families *RefreshTokenEngine
}

// Issue creates an authorization code for an authenticated user.
// redirectURI must exactly match one of the client's registered URIs. Public clients
// must send a PKCE challenge; an empty method with a challenge means plain.
func (e *AuthorizationCodeEngine) Issue(ctx context.Context, client *storage.Client, userID, redirectURI string, scopes []string, challenge, method string) (code *storage.AuthorizationCode, err error) {
	ctx, span := e.rt.startSpan(ctx, "authorization_code.issue")
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
	instrumentation.AddOAuthFlowAttributes(span, client.ID, userID, "")

	if !allowsGrant(client, GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}

	if !isRegisteredRedirectURI(client, redirectURI) {
		e.rt.securityEvent(userID, client.ID, func(a *security.Auditor) {
			a.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				UserID:   userID,
				ClientID: client.ID,
				Details: map[string]any{
					"redirect_uri": redirectURI,
				},
			})
		})
		return nil, ErrInvalidRedirectURI
	}

	method, err = e.pkce.NormalizeChallenge(challenge, method)
	if err != nil {
		return nil, err
	}
	if challenge == "" && (client.IsPublic() || e.rt.config.RequirePKCEForConfidentialClients) {
		e.rt.securityEvent(userID, client.ID, func(a *security.Auditor) {
			a.LogEvent(security.Event{
				Type:     security.EventPKCERequiredForPublicClient,
				UserID:   userID,
				ClientID: client.ID,
				Details: map[string]any{
					"client_kind": string(client.Kind),
				},
			})
		})
		return nil, ErrPKCERequired
	}
	if method == PKCEMethodPlain {
		e.rt.logger.Warn("Using insecure 'plain' PKCE method",
			"client_id", client.ID,
			"recommendation", "Upgrade client to use S256")
	}

	granted, err := e.scopes.ForClient(scopes, client)
	if err != nil {
		e.rt.metrics().RecordScopeRejected(ctx, client.ID, "not_registered")
		return nil, err
	}

	now := e.rt.now()
	code = &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scopes:              granted,
		FamilyID:            uuid.NewString(),
		IssuedAt:            now,
		ExpiresAt:           now.Add(e.rt.config.AuthorizationCodeTTL),
	}

	if err = e.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	instrumentation.AddPKCEAttributes(span, method)
	e.rt.metrics().RecordCodeIssued(ctx, client.ID, method)
	e.rt.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: client.ID,
		Details: map[string]any{
			"scope":       util.JoinScope(granted),
			"pkce_method": method,
		},
	})
	e.rt.logger.Debug("Issued authorization code",
		"client_id", client.ID,
		"code_prefix", prefix(code.Code))

	return code, nil
}

// Redeem validates a code for clientID and consumes it. Errors are checked in this order:
// ErrCodeNotFound, ErrCodeAlreadyUsed, ErrCodeExpired, ErrClientMismatch,
// ErrRedirectMismatch, ErrPKCEFailed. Presenting a consumed code revokes every token
// minted from it, whether or not the code has expired since.
func (e *AuthorizationCodeEngine) Redeem(ctx context.Context, code, clientID, redirectURI, verifier string) (*AccessGrant, error) {
	return e.redeem(ctx, code, clientID, redirectURI, verifier, nil, nil)
}

// redeem additionally narrows the grant to requestedScopes before the code is consumed,
// so a rejected scope request leaves the code usable. A non-nil issue stores the grant's
// tokens before the code is consumed: if it fails the code stays redeemable, and if the
// consume loses a race the reuse handling revokes what issue stored.
func (e *AuthorizationCodeEngine) redeem(ctx context.Context, code, clientID, redirectURI, verifier string, requestedScopes []string, issue issueFunc) (grant *AccessGrant, err error) {
	ctx, span := e.rt.startSpan(ctx, "authorization_code.redeem")
	defer span.End()
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	authCode, err := e.store.GetAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}
	instrumentation.AddOAuthFlowAttributes(span, authCode.ClientID, authCode.UserID, "")

	if authCode.Consumed {
		e.handleReuse(ctx, authCode, clientID)
		return nil, ErrCodeAlreadyUsed
	}

	if e.rt.expired(authCode.ExpiresAt) {
		return nil, ErrCodeExpired
	}

	if authCode.ClientID != clientID {
		e.rt.logger.Warn("Authorization code presented by a different client",
			"expected_client_id", authCode.ClientID,
			"actual_client_id", clientID)
		return nil, ErrClientMismatch
	}

	if authCode.RedirectURI != redirectURI {
		e.rt.securityEvent(authCode.UserID, clientID, func(a *security.Auditor) {
			a.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				UserID:   authCode.UserID,
				ClientID: clientID,
				Details: map[string]any{
					"stage": "token_exchange",
				},
			})
		})
		return nil, ErrRedirectMismatch
	}

	if err = e.checkPKCE(ctx, authCode, verifier); err != nil {
		return nil, err
	}

	scopes, err := e.scopes.Narrow(requestedScopes, authCode.Scopes)
	if err != nil {
		if errors.Is(err, ErrScopeExceeded) {
			e.rt.metrics().RecordScopeRejected(ctx, clientID, "code_widening")
		}
		return nil, err
	}

	grant = &AccessGrant{
		ClientID: authCode.ClientID,
		UserID:   authCode.UserID,
		Scopes:   scopes,
		FamilyID: authCode.FamilyID,
	}
	if issue != nil {
		if err = issue(ctx, grant); err != nil {
			return nil, err
		}
	}

	// Single conditional write: exactly one concurrent redemption wins
	if _, err = e.store.ConsumeAuthorizationCode(ctx, code, e.rt.now()); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyConsumed):
			e.handleReuse(ctx, authCode, clientID)
			return nil, ErrCodeAlreadyUsed
		case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
			return nil, ErrCodeNotFound
		default:
			return nil, fmt.Errorf("failed to consume authorization code: %w", err)
		}
	}

	e.rt.metrics().RecordCodeRedeemed(ctx, clientID)
	e.rt.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeRedeemed,
		UserID:   authCode.UserID,
		ClientID: clientID,
	})

	return grant, nil
}

func (e *AuthorizationCodeEngine) checkPKCE(ctx context.Context, authCode *storage.AuthorizationCode, verifier string) error {
	if authCode.CodeChallenge == "" {
		if verifier != "" {
			return fmt.Errorf("%w: code_verifier sent for a code issued without code_challenge", ErrPKCEFailed)
		}
		return nil
	}

	if e.pkce.Verify(authCode.CodeChallengeMethod, authCode.CodeChallenge, verifier) {
		return nil
	}

	e.rt.metrics().RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
	e.rt.securityEvent(authCode.UserID, authCode.ClientID, func(a *security.Auditor) {
		a.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			UserID:   authCode.UserID,
			ClientID: authCode.ClientID,
			Details: map[string]any{
				"method":           authCode.CodeChallengeMethod,
				"verifier_present": verifier != "",
			},
		})
	})
	return ErrPKCEFailed
}

// handleReuse revokes the token family minted from a code presented twice
// (RFC 6749 section 4.1.2)
func (e *AuthorizationCodeEngine) handleReuse(ctx context.Context, authCode *storage.AuthorizationCode, clientID string) {
	e.rt.logger.Error("Authorization code reuse detected, revoking issued tokens",
		"client_id", clientID,
		"code_prefix", prefix(authCode.Code),
		"family_id", prefix(authCode.FamilyID))
	e.rt.metrics().RecordCodeReuseDetected(ctx)
	e.rt.securityEvent(authCode.UserID, clientID, func(a *security.Auditor) {
		a.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeReuseDetected,
			UserID:   authCode.UserID,
			ClientID: clientID,
			Details: map[string]any{
				"severity": "critical",
				"action":   "all_tokens_revoked",
			},
		})
	})

	if err := e.families.revokeFamily(ctx, authCode.FamilyID, authCode.UserID, authCode.ClientID, revokeReasonCodeReuse); err != nil {
		e.rt.logger.Error("Failed to revoke tokens after code reuse",
			"family_id", prefix(authCode.FamilyID),
			"error", err)
	}
}

// isRegisteredRedirectURI performs exact string matching (OAuth 2.1 section 2.3.1)
func isRegisteredRedirectURI(client *storage.Client, redirectURI string) bool {
	if redirectURI == "" {
		return false
	}
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return true
		}
	}
	return false
}
