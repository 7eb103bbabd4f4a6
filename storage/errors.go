package storage

import "errors"

// Storage errors. Backends wrap these with fmt.Errorf("%w: ...") so callers can use errors.Is.
var (
	// ErrClientNotFound is returned when a client ID is unknown
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationCodeNotFound is returned when a code does not exist
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrDeviceAuthorizationNotFound is returned when a device or user code does not exist
	ErrDeviceAuthorizationNotFound = errors.New("device authorization not found")

	// ErrRefreshTokenNotFound is returned when a refresh token does not exist
	ErrRefreshTokenNotFound = errors.New("refresh token not found")

	// ErrAccessTokenNotFound is returned when an access token does not exist
	ErrAccessTokenNotFound = errors.New("access token not found")

	// ErrAlreadyConsumed is returned by the atomic consume operations when the
	// conditional write lost: the record was consumed or used before.
	ErrAlreadyConsumed = errors.New("already consumed")

	// ErrAlreadyDecided is returned when a device authorization is no longer pending
	ErrAlreadyDecided = errors.New("device authorization already decided")

	// ErrFamilyRevoked is returned when writing to or using a revoked token family
	ErrFamilyRevoked = errors.New("token family revoked")

	// ErrInvalidCredentials is returned when a username/password pair does not match
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrConflict is returned when a unique key (token, user code) is already taken
	ErrConflict = errors.New("conflict")

	// ErrUnavailable wraps backend connectivity failures. It is the only storage error
	// a caller should retry.
	ErrUnavailable = errors.New("storage unavailable")
)

// OperationResult classifies a storage error for metrics: "success", "not_found",
// "conflict" (lost conditional writes included) or "error".
func OperationResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrClientNotFound),
		errors.Is(err, ErrAuthorizationCodeNotFound),
		errors.Is(err, ErrDeviceAuthorizationNotFound),
		errors.Is(err, ErrRefreshTokenNotFound),
		errors.Is(err, ErrAccessTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyConsumed),
		errors.Is(err, ErrAlreadyDecided),
		errors.Is(err, ErrFamilyRevoked),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidCredentials):
		return "conflict"
	default:
		return "error"
	}
}
