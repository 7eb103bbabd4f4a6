package security

// Event type constants for security audit logging.
const (
	// Credential issuance

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeRedeemed is logged when a code is exchanged successfully
	EventAuthorizationCodeRedeemed = "authorization_code_redeemed"

	// EventTokenIssued is logged when an access token is minted
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenFamilyRevoked is logged when a refresh token family is revoked
	EventTokenFamilyRevoked = "token_family_revoked" //nolint:gosec // G101: event name, not a credential

	// Device flow

	// EventDeviceAuthorizationStarted is logged when a device authorization is created
	EventDeviceAuthorizationStarted = "device_authorization_started"

	// EventDeviceAuthorizationApproved is logged when a user approves a device
	EventDeviceAuthorizationApproved = "device_authorization_approved"

	// EventDeviceAuthorizationDenied is logged when a user denies a device
	EventDeviceAuthorizationDenied = "device_authorization_denied"

	// Sessions and keys

	// EventSessionSigned is logged when a browser session token is signed
	EventSessionSigned = "session_signed"

	// EventSigningKeyRotated is logged when the session signing key is rotated
	EventSigningKeyRotated = "signing_key_rotated"

	// Security violations

	// EventAuthFailure is logged when client or user authentication fails
	EventAuthFailure = "auth_failure"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a used refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventRevokedTokenFamilyReuseAttempt is logged when a token of a revoked family is presented
	EventRevokedTokenFamilyReuseAttempt = "revoked_token_family_reuse_attempt"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventPKCERequiredForPublicClient is logged when a public client omits PKCE
	EventPKCERequiredForPublicClient = "pkce_required_for_public_client"

	// EventInvalidRedirect is logged when an unregistered or mismatched redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a request asks for more than its grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
