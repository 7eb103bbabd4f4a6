package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"
)

// Config holds authorization engine configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AllowInsecureHTTP permits an http:// issuer on non-loopback hosts.
	// Default: false
	AllowInsecureHTTP bool

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 10 minutes

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL time.Duration // default: 10 minutes

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL time.Duration // default: 30 days

	// DeviceCodeTTL is how long a device authorization can be approved and polled
	DeviceCodeTTL time.Duration // default: 10 minutes

	// DevicePollInterval is the minimum polling interval handed to devices
	DevicePollInterval time.Duration // default: 5 seconds

	// DeviceVerificationURI is where users enter their user code.
	// Default: Issuer + "/device"
	DeviceVerificationURI string

	// SessionTTL is the lifetime of signed browser sessions
	SessionTTL time.Duration // default: 12 hours

	// ClockSkewGracePeriod extends every expiry check to absorb clock drift between
	// instances. Default: 0
	ClockSkewGracePeriod time.Duration

	// SupportedScopes lists the scopes the server knows about.
	// If empty, any well-formed scope is accepted subject to client registration.
	SupportedScopes []string

	// RejectPKCEPlain refuses the 'plain' code_challenge_method at authorization time.
	// Default: false
	RejectPKCEPlain bool

	// StrictPKCEVerifier enforces the RFC 7636 verifier length (43-128) and charset.
	// Default: false
	StrictPKCEVerifier bool

	// RequirePKCEForConfidentialClients extends the PKCE requirement from public
	// clients to every client. Default: false
	RequirePKCEForConfidentialClients bool
}

// Time defaults
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = 10 * time.Minute
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultDeviceCodeTTL        = 10 * time.Minute
	DefaultDevicePollInterval   = 5 * time.Second
	DefaultSessionTTL           = 12 * time.Hour

	// DeviceSlowDownStep is added to a device's polling interval each time it is told
	// to slow down (RFC 8628 section 3.5)
	DeviceSlowDownStep = 5 * time.Second
)

// applySecureDefaults fills unset values and warns about risky settings
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.DeviceCodeTTL <= 0 {
		config.DeviceCodeTTL = DefaultDeviceCodeTTL
	}
	if config.DevicePollInterval <= 0 {
		config.DevicePollInterval = DefaultDevicePollInterval
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if config.ClockSkewGracePeriod < 0 {
		config.ClockSkewGracePeriod = 0
	}
	if config.DeviceVerificationURI == "" && config.Issuer != "" {
		config.DeviceVerificationURI = strings.TrimRight(config.Issuer, "/") + "/device"
	}
}

// logSecurityWarnings logs warnings for risky configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AccessTokenTTL > time.Hour {
		logger.Warn("Long-lived access tokens configured",
			"access_token_ttl", config.AccessTokenTTL,
			"risk", "Access tokens cannot be rotated and stay valid until they expire",
			"recommendation", "Keep AccessTokenTTL at or below one hour")
	}
	if config.ClockSkewGracePeriod > time.Minute {
		logger.Warn("Large clock skew grace period configured",
			"clock_skew_grace_period", config.ClockSkewGracePeriod,
			"risk", "Expired codes and tokens remain usable during the grace period")
	}
	if config.AuthorizationCodeTTL > 10*time.Minute {
		logger.Warn("Authorization code lifetime exceeds the RFC 6749 recommendation",
			"authorization_code_ttl", config.AuthorizationCodeTTL,
			"recommendation", "10 minutes or less")
	}
}

// validateHTTPSEnforcement ensures the issuer and verification URI use HTTPS unless
// they point at a loopback host or AllowInsecureHTTP is set.
func validateHTTPSEnforcement(config *Config, logger *slog.Logger) error {
	for _, raw := range []string{config.Issuer, config.DeviceVerificationURI} {
		if raw == "" {
			continue
		}

		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid URL %q: %w", raw, err)
		}

		switch u.Scheme {
		case "https":
			continue
		case "http":
			if isLocalhostHostname(u.Hostname()) || config.AllowInsecureHTTP {
				logger.Warn("Running over plain HTTP",
					"url", raw,
					"risk", "Credentials exposed to network interception")
				continue
			}
			return fmt.Errorf("%s must use HTTPS (set AllowInsecureHTTP for development)", raw)
		default:
			return fmt.Errorf("invalid URL scheme %q in %s (must be http or https)", u.Scheme, raw)
		}
	}
	return nil
}

// isLocalhostHostname reports whether hostname names the local machine
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
