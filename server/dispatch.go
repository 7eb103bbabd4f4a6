package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/internal/util"
	"github.com/quasiuslikecautious/lockrs-sub001/storage"
)

// TokenGrantDispatcher routes token requests to the engine of their grant type and
// assembles the token response.
type TokenGrantDispatcher struct {
	rt      *runtime
	codes   *AuthorizationCodeEngine
	devices *DeviceAuthorizationEngine
	refresh *RefreshTokenEngine
	access  *AccessTokenEngine
	scopes  *ScopeValidator
}

// Dispatch handles a token request from an already authenticated client
func (d *TokenGrantDispatcher) Dispatch(ctx context.Context, req *TokenRequest) (resp *TokenResponse, err error) {
	if req == nil {
		return nil, ErrInvalidRequest
	}
	grantType := normalizeGrantType(req.GrantType)

	ctx, span := d.rt.startSpan(ctx, "token.dispatch")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantType))
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, ErrorCode(err)))
			d.rt.metrics().RecordGrantError(ctx, grantType, ErrorCode(err))
			return
		}
		instrumentation.SetSpanSuccess(span)
	}()

	switch grantType {
	case GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypeDeviceCode, GrantTypeRefreshToken:
	case "":
		return nil, fmt.Errorf("%w: grant_type is required", ErrInvalidRequest)
	default:
		return nil, ErrUnsupportedGrantType
	}

	client := req.Client
	if client == nil {
		return nil, ErrInvalidClient
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ID, "", "")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientType, string(client.Kind)))

	if !allowsGrant(client, grantType) {
		d.rt.logger.Warn("Client used a grant type it is not registered for",
			"client_id", client.ID,
			"grant_type", grantType)
		return nil, ErrUnauthorizedClient
	}

	switch grantType {
	case GrantTypeAuthorizationCode:
		resp, err = d.authorizationCode(ctx, client, req)
	case GrantTypeClientCredentials:
		resp, err = d.clientCredentials(ctx, client, req)
	case GrantTypeDeviceCode:
		resp, err = d.deviceCode(ctx, client, req)
	case GrantTypeRefreshToken:
		resp, err = d.refreshToken(ctx, client, req)
	}
	if err != nil {
		return nil, err
	}

	d.rt.metrics().RecordTokenIssued(ctx, client.ID, grantType)
	instrumentation.AddOAuthFlowAttributes(span, "", "", resp.Scope)
	return resp, nil
}

func (d *TokenGrantDispatcher) authorizationCode(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}

	var resp *TokenResponse
	grant, err := d.codes.redeem(ctx, req.Code, client.ID, req.RedirectURI, req.CodeVerifier, req.Scopes,
		func(ctx context.Context, grant *AccessGrant) (err error) {
			resp, err = d.storeUserTokens(ctx, grant)
			return err
		})
	if errors.Is(err, storage.ErrFamilyRevoked) {
		// The code was replayed and its family revoked while we were minting
		return nil, ErrCodeAlreadyUsed
	}
	if err != nil {
		return nil, err
	}

	d.logUserTokens(grant, GrantTypeAuthorizationCode)
	return resp, nil
}

func (d *TokenGrantDispatcher) clientCredentials(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	if client.IsPublic() {
		return nil, fmt.Errorf("%w: client_credentials requires a confidential client", ErrUnauthorizedClient)
	}

	scopes, err := d.clientCredentialsScopes(ctx, client, req.Scopes)
	if err != nil {
		return nil, err
	}

	access, err := d.access.Issue(ctx, client.ID, "", scopes, "", 0)
	if err != nil {
		return nil, err
	}

	d.rt.auditor.LogTokenIssued("", client.ID, GrantTypeClientCredentials, util.JoinScope(scopes))
	return newTokenResponse(access, nil, d.rt.now()), nil
}

// clientCredentialsScopes checks a client_credentials request against the client's
// registration. Unsupported scopes are invalid; anything wider than the registration
// exceeds the grant.
func (d *TokenGrantDispatcher) clientCredentialsScopes(ctx context.Context, client *storage.Client, requested []string) ([]string, error) {
	if err := d.scopes.checkSupported(requested); err != nil {
		return nil, err
	}
	if len(client.Scopes) == 0 {
		return d.scopes.ForClient(requested, client)
	}

	scopes, err := d.scopes.Narrow(requested, client.Scopes)
	if errors.Is(err, ErrScopeExceeded) {
		d.rt.metrics().RecordScopeRejected(ctx, client.ID, "client_credentials_widening")
	}
	return scopes, err
}

func (d *TokenGrantDispatcher) deviceCode(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.DeviceCode == "" {
		return nil, fmt.Errorf("%w: device_code is required", ErrInvalidRequest)
	}

	var resp *TokenResponse
	result, err := d.devices.poll(ctx, req.DeviceCode, client.ID, req.Scopes,
		func(ctx context.Context, grant *AccessGrant) (err error) {
			resp, err = d.storeUserTokens(ctx, grant)
			return err
		})
	if errors.Is(err, storage.ErrFamilyRevoked) {
		return nil, ErrDeviceCodeAlreadyUsed
	}
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case PollAuthorizationPending:
		return nil, ErrAuthorizationPending
	case PollSlowDown:
		return nil, ErrSlowDown
	case PollAccessDenied:
		return nil, ErrAccessDenied
	case PollExpired:
		return nil, ErrDeviceExpired
	}

	d.logUserTokens(result.Grant, GrantTypeDeviceCode)
	return resp, nil
}

func (d *TokenGrantDispatcher) refreshToken(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest)
	}

	access, next, err := d.refresh.Rotate(ctx, req.RefreshToken, client.ID, req.Scopes)
	if err != nil {
		return nil, err
	}

	d.rt.auditor.LogTokenIssued(access.UserID, client.ID, GrantTypeRefreshToken, util.JoinScope(access.Scopes))
	return newTokenResponse(access, next, d.rt.now()), nil
}

// issueFunc stores the tokens of a grant before the code or device authorization that
// carries it is consumed
type issueFunc func(ctx context.Context, grant *AccessGrant) error

// storeUserTokens issues the first refresh token of the grant's family and an access token
func (d *TokenGrantDispatcher) storeUserTokens(ctx context.Context, grant *AccessGrant) (*TokenResponse, error) {
	refresh, err := d.refresh.Issue(ctx, grant.ClientID, grant.UserID, grant.Scopes, grant.FamilyID)
	if err != nil {
		return nil, err
	}

	access, err := d.access.Issue(ctx, grant.ClientID, grant.UserID, grant.Scopes, grant.FamilyID, 0)
	if err != nil {
		return nil, err
	}
	return newTokenResponse(access, refresh, d.rt.now()), nil
}

func (d *TokenGrantDispatcher) logUserTokens(grant *AccessGrant, grantType string) {
	d.rt.logger.Info("Issued tokens",
		"client_id", grant.ClientID,
		"grant_type", grantType,
		"family_id", prefix(grant.FamilyID))
	d.rt.auditor.LogTokenIssued(grant.UserID, grant.ClientID, grantType, util.JoinScope(grant.Scopes))
}
