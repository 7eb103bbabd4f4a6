package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySecureDefaults(t *testing.T) {
	cfg := applySecureDefaults(&Config{Issuer: "https://auth.example.com/"}, discardLogger())

	assert.Equal(t, DefaultAuthorizationCodeTTL, cfg.AuthorizationCodeTTL)
	assert.Equal(t, DefaultAccessTokenTTL, cfg.AccessTokenTTL)
	assert.Equal(t, DefaultRefreshTokenTTL, cfg.RefreshTokenTTL)
	assert.Equal(t, DefaultDeviceCodeTTL, cfg.DeviceCodeTTL)
	assert.Equal(t, DefaultDevicePollInterval, cfg.DevicePollInterval)
	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	assert.Equal(t, time.Duration(0), cfg.ClockSkewGracePeriod)
	assert.Equal(t, "https://auth.example.com/device", cfg.DeviceVerificationURI)
}

func TestApplySecureDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := applySecureDefaults(&Config{
		AccessTokenTTL:        2 * time.Minute,
		DevicePollInterval:    time.Second,
		DeviceVerificationURI: "https://example.com/activate",
		ClockSkewGracePeriod:  -time.Second,
	}, discardLogger())

	assert.Equal(t, 2*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, time.Second, cfg.DevicePollInterval)
	assert.Equal(t, "https://example.com/activate", cfg.DeviceVerificationURI)
	assert.Equal(t, time.Duration(0), cfg.ClockSkewGracePeriod)
}

func TestValidateHTTPSEnforcement(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "https issuer", config: Config{Issuer: "https://auth.example.com"}},
		{name: "empty issuer", config: Config{}},
		{name: "localhost over http", config: Config{Issuer: "http://localhost:8080"}},
		{name: "ipv4 loopback over http", config: Config{Issuer: "http://127.0.0.1:8080"}},
		{name: "ipv6 loopback over http", config: Config{Issuer: "http://[::1]:8080"}},
		{name: "remote http allowed explicitly", config: Config{Issuer: "http://auth.internal", AllowInsecureHTTP: true}},
		{name: "remote http", config: Config{Issuer: "http://auth.example.com"}, wantErr: "must use HTTPS"},
		{
			name:    "verification URI over http",
			config:  Config{Issuer: "https://auth.example.com", DeviceVerificationURI: "http://auth.example.com/device"},
			wantErr: "must use HTTPS",
		},
		{name: "other scheme", config: Config{Issuer: "ftp://auth.example.com"}, wantErr: "invalid URL scheme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			err := validateHTTPSEnforcement(&cfg, discardLogger())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}
