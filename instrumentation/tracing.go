package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY WARNING: never record credential values (codes, access tokens, refresh
// tokens, device codes, client secrets, session tokens) as attributes. Only metadata
// such as family IDs, generations and validation results belong in traces.
const (
	AttrClientID        = "oauth.client_id"
	AttrClientType      = "oauth.client_type"
	AttrUserID          = "oauth.user_id"
	AttrScope           = "oauth.scope"
	AttrGrantType       = "oauth.grant_type"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrTokenFamilyID   = "oauth.token.family_id"  //nolint:gosec // identifier, not a credential
	AttrTokenGeneration = "oauth.token.generation" //nolint:gosec // counter, not a credential
	AttrCodeReuse       = "oauth.code.reuse"
	AttrTokenReuse      = "oauth.token.reuse" //nolint:gosec // boolean flag
	AttrDeviceOutcome   = "oauth.device.outcome"
	AttrKeyVersion      = "oauth.key.version"
	AttrError           = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds client, user and scope attributes, skipping empty values
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddPKCEAttributes adds the PKCE method to a span
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddTokenFamilyAttributes adds token family tracking attributes to a span
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddStorageAttributes adds storage operation attributes to a span
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}
