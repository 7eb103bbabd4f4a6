package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasiuslikecautious/lockrs-sub001/security"
	"github.com/quasiuslikecautious/lockrs-sub001/server"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 24*time.Hour, cfg.Keys.MaxTokenTTL)
	assert.Equal(t, server.DefaultRefreshTokenTTL, cfg.Tokens.RefreshTokenTTL)
	assert.Equal(t, server.DefaultDevicePollInterval, cfg.Tokens.DevicePollInterval)
	assert.Equal(t, 90, cfg.Storage.RevokedFamilyRetentionDays)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, "lockrs.yaml", `
issuer: https://auth.example.com
storage:
  backend: postgres
  database_url: postgres://file/lockrs
tokens:
  access_token_ttl: 5m
  supported_scopes: [read, write]
telemetry:
  enabled: true
  traces_exporter: otlp
`)

	t.Setenv("LOCKRS_STORAGE_DATABASE_URL", "postgres://env/lockrs")
	t.Setenv("LOCKRS_TOKENS_SESSION_TTL", "1h")

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://env/lockrs", cfg.Storage.DatabaseURL, "environment overrides the file")
	assert.Equal(t, 5*time.Minute, cfg.Tokens.AccessTokenTTL)
	assert.Equal(t, time.Hour, cfg.Tokens.SessionTTL)
	assert.Equal(t, []string{"read", "write"}, cfg.Tokens.SupportedScopes)

	sc := cfg.ServerConfig()
	assert.Equal(t, "https://auth.example.com", sc.Issuer)
	assert.Equal(t, 5*time.Minute, sc.AccessTokenTTL)
	assert.Equal(t, []string{"read", "write"}, sc.SupportedScopes)

	ic := cfg.InstrumentationConfig("v1.2.3")
	assert.True(t, ic.Enabled)
	assert.Equal(t, "otlp", ic.TracesExporter)
	assert.Equal(t, "v1.2.3", ic.ServiceVersion)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "LOCKRS_STORAGE_KEY_PREFIX=fromdotenv:\n")
	t.Cleanup(func() { os.Unsetenv("LOCKRS_STORAGE_KEY_PREFIX") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "fromdotenv:", cfg.Storage.KeyPrefix)
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"postgres without url", func(c *Config) { c.Storage.Backend = BackendPostgres }, true},
		{"postgres with url", func(c *Config) {
			c.Storage.Backend = BackendPostgres
			c.Storage.DatabaseURL = "postgres://localhost/lockrs"
		}, false},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"bad encryption key", func(c *Config) { c.Keys.EncryptionKey = "c2hvcnQ=" }, true},
		{"good encryption key", func(c *Config) { c.Keys.EncryptionKey = security.KeyToBase64(key) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Log:     LogConfig{Level: "info", Format: "json"},
				Storage: StorageConfig{Backend: BackendMemory},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEncryptionKey(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.EncryptionKey()
	require.NoError(t, err)
	assert.Nil(t, key)

	want, err := security.GenerateKey()
	require.NoError(t, err)
	cfg.Keys.EncryptionKey = security.KeyToBase64(want)
	got, err := cfg.EncryptionKey()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "debug", Format: "text"}}
	logger := cfg.NewLogger()
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	cfg.Log = LogConfig{Level: "bogus", Format: "json"}
	logger = cfg.NewLogger()
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
