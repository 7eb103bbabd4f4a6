package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization engine.
// Record methods are nil-safe so engines can run without instrumentation.
type Metrics struct {
	// Grant flow metrics
	CodesIssued          metric.Int64Counter
	CodesRedeemed        metric.Int64Counter
	TokensIssued         metric.Int64Counter
	TokensRefreshed      metric.Int64Counter
	DeviceStarted        metric.Int64Counter
	DevicePolls          metric.Int64Counter
	DeviceDecisions      metric.Int64Counter
	GrantErrors          metric.Int64Counter
	SessionsSigned       metric.Int64Counter
	SessionVerifyFailure metric.Int64Counter

	// Security metrics
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	FamiliesRevoked      metric.Int64Counter
	ScopeRejected        metric.Int64Counter

	// Key management metrics
	KeyRotations metric.Int64Counter
	KeyReloads   metric.Int64Counter

	// Storage metrics
	StorageOperationTotal            metric.Int64Counter
	StorageOperationDuration         metric.Float64Histogram
	StorageClientsCount              metric.Int64ObservableGauge
	StorageCodesCount                metric.Int64ObservableGauge
	StorageDeviceAuthorizationsCount metric.Int64ObservableGauge
	StorageRefreshTokensCount        metric.Int64ObservableGauge
	StorageAccessTokensCount         metric.Int64ObservableGauge
}

type counterSpec struct {
	dst   *metric.Int64Counter
	meter metric.Meter
	name  string
	desc  string
	unit  string
}

type gaugeSpec struct {
	dst  *metric.Int64ObservableGauge
	name string
	desc string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	keysetMeter := inst.Meter("keyset")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.CodesIssued, serverMeter, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodesRedeemed, serverMeter, "oauth.code.redeemed", "Number of authorization codes redeemed", "{code}"},
		{&m.TokensIssued, serverMeter, "oauth.token.issued", "Number of access tokens issued", "{token}"},
		{&m.TokensRefreshed, serverMeter, "oauth.token.refreshed", "Number of refresh token rotations", "{refresh}"},
		{&m.DeviceStarted, serverMeter, "oauth.device.started", "Number of device authorizations started", "{authorization}"},
		{&m.DevicePolls, serverMeter, "oauth.device.polls", "Number of device token polls by outcome", "{poll}"},
		{&m.DeviceDecisions, serverMeter, "oauth.device.decisions", "Number of device authorization decisions", "{decision}"},
		{&m.GrantErrors, serverMeter, "oauth.grant.errors", "Number of failed token grants by error code", "{error}"},
		{&m.SessionsSigned, serverMeter, "oauth.session.signed", "Number of session tokens signed", "{session}"},
		{&m.SessionVerifyFailure, serverMeter, "oauth.session.verify_failed", "Number of session verification failures", "{failure}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.CodeReuseDetected, securityMeter, "oauth.code.reuse_detected", "Number of authorization code reuse attempts detected", "{attempt}"},
		{&m.TokenReuseDetected, securityMeter, "oauth.token.reuse_detected", "Number of refresh token reuse attempts detected", "{attempt}"},
		{&m.FamiliesRevoked, securityMeter, "oauth.token.family_revoked", "Number of token families revoked", "{family}"},
		{&m.ScopeRejected, securityMeter, "oauth.scope.rejected", "Number of rejected scope requests", "{request}"},
		{&m.KeyRotations, keysetMeter, "oauth.keyset.rotations", "Number of signing key rotations", "{rotation}"},
		{&m.KeyReloads, keysetMeter, "oauth.keyset.reloads", "Number of key set reloads from the shared store", "{reload}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = c.meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []gaugeSpec{
		{&m.StorageClientsCount, "storage.clients.count", "Number of registered clients"},
		{&m.StorageCodesCount, "storage.codes.count", "Number of stored authorization codes"},
		{&m.StorageDeviceAuthorizationsCount, "storage.device_authorizations.count", "Number of stored device authorizations"},
		{&m.StorageRefreshTokensCount, "storage.refresh_tokens.count", "Number of stored refresh tokens"},
		{&m.StorageAccessTokensCount, "storage.access_tokens.count", "Number of stored access tokens"},
	}
	for _, g := range gauges {
		*g.dst, err = storageMeter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("{item}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

// RecordCodeIssued records an authorization code issuance
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID, pkceMethod string) {
	if m == nil {
		return
	}
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordCodeRedeemed records a successful code redemption
func (m *Metrics) RecordCodeRedeemed(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.CodesRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenIssued records an access token minted through grantType
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRefresh records a refresh token rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordDeviceStarted records a new device authorization
func (m *Metrics) RecordDeviceStarted(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.DeviceStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordDevicePoll records a device poll and its outcome
// (pending, slow_down, denied, expired, granted, consumed)
func (m *Metrics) RecordDevicePoll(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordDeviceDecision records a user decision on a device authorization
func (m *Metrics) RecordDeviceDecision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.DeviceDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
	))
}

// RecordGrantError records a failed grant by its OAuth error code
func (m *Metrics) RecordGrantError(ctx context.Context, grantType, errorCode string) {
	if m == nil {
		return
	}
	m.GrantErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", errorCode),
	))
}

// RecordSessionSigned records a signed session
func (m *Metrics) RecordSessionSigned(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsSigned.Add(ctx, 1)
}

// RecordSessionVerifyFailure records a rejected session with its reason
func (m *Metrics) RecordSessionVerifyFailure(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.SessionVerifyFailure.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordFamilyRevoked records a token family revocation
func (m *Metrics) RecordFamilyRevoked(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.FamiliesRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordScopeRejected records a rejected scope request
func (m *Metrics) RecordScopeRejected(ctx context.Context, clientID, reason string) {
	if m == nil {
		return
	}
	m.ScopeRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("reason", reason),
	))
}

// RecordKeyRotation records a signing key rotation
func (m *Metrics) RecordKeyRotation(ctx context.Context) {
	if m == nil {
		return
	}
	m.KeyRotations.Add(ctx, 1)
}

// RecordKeyReload records a key set reload and whether it succeeded
func (m *Metrics) RecordKeyReload(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.KeyReloads.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
