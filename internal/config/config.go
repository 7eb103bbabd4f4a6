// Package config loads operator configuration for lockrsctl from an optional YAML file,
// an optional .env file and LOCKRS_ prefixed environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/quasiuslikecautious/lockrs-sub001/instrumentation"
	"github.com/quasiuslikecautious/lockrs-sub001/security"
	"github.com/quasiuslikecautious/lockrs-sub001/server"
)

// EnvPrefix prefixes every environment variable, e.g. LOCKRS_STORAGE_BACKEND
const EnvPrefix = "LOCKRS"

// Storage backends
const (
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
)

// Config is the operator configuration.
type Config struct {
	Issuer    string          `mapstructure:"issuer"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Keys      KeysConfig      `mapstructure:"keys"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// StorageConfig selects and addresses the token store
type StorageConfig struct {
	Backend        string `mapstructure:"backend"`
	DatabaseURL    string `mapstructure:"database_url"`
	ValkeyAddr     string `mapstructure:"valkey_addr"`
	ValkeyPassword string `mapstructure:"valkey_password"`
	ValkeyDB       int    `mapstructure:"valkey_db"`
	KeyPrefix      string `mapstructure:"key_prefix"`
	// RevokedFamilyRetentionDays is how long revoked token families are remembered
	RevokedFamilyRetentionDays int `mapstructure:"revoked_family_retention_days"`
}

// KeysConfig addresses the shared signing key store
type KeysConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Prefix        string `mapstructure:"prefix"`
	// EncryptionKey is a base64 AES-256 key sealing secrets at rest
	EncryptionKey string        `mapstructure:"encryption_key"`
	MaxTokenTTL   time.Duration `mapstructure:"max_token_ttl"`
}

// TokensConfig carries the engine lifetimes
type TokensConfig struct {
	AuthorizationCodeTTL time.Duration `mapstructure:"authorization_code_ttl"`
	AccessTokenTTL       time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `mapstructure:"refresh_token_ttl"`
	DeviceCodeTTL        time.Duration `mapstructure:"device_code_ttl"`
	DevicePollInterval   time.Duration `mapstructure:"device_poll_interval"`
	SessionTTL           time.Duration `mapstructure:"session_ttl"`
	ClockSkewGracePeriod time.Duration `mapstructure:"clock_skew_grace_period"`
	SupportedScopes      []string      `mapstructure:"supported_scopes"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MetricsExporter string `mapstructure:"metrics_exporter"`
	TracesExporter  string `mapstructure:"traces_exporter"`
	OTLPEndpoint    string `mapstructure:"otlp_endpoint"`
	OTLPInsecure    bool   `mapstructure:"otlp_insecure"`
}

// defaults are registered with Viper so every key can also come from the environment
var defaults = map[string]any{
	"issuer":                                "http://localhost:8080",
	"log.level":                             "info",
	"log.format":                            "json",
	"storage.backend":                       BackendMemory,
	"storage.database_url":                  "",
	"storage.valkey_addr":                   "localhost:6379",
	"storage.valkey_password":               "",
	"storage.valkey_db":                     0,
	"storage.key_prefix":                    "lockrs:",
	"storage.revoked_family_retention_days": 90,
	"keys.redis_addr":                       "localhost:6379",
	"keys.redis_password":                   "",
	"keys.redis_db":                         0,
	"keys.prefix":                           "lockrs:keys",
	"keys.encryption_key":                   "",
	"keys.max_token_ttl":                    "24h",
	"tokens.authorization_code_ttl":         server.DefaultAuthorizationCodeTTL.String(),
	"tokens.access_token_ttl":               server.DefaultAccessTokenTTL.String(),
	"tokens.refresh_token_ttl":              server.DefaultRefreshTokenTTL.String(),
	"tokens.device_code_ttl":                server.DefaultDeviceCodeTTL.String(),
	"tokens.device_poll_interval":           server.DefaultDevicePollInterval.String(),
	"tokens.session_ttl":                    server.DefaultSessionTTL.String(),
	"tokens.clock_skew_grace_period":        "0s",
	"tokens.supported_scopes":               []string{},
	"telemetry.enabled":                     false,
	"telemetry.metrics_exporter":            "prometheus",
	"telemetry.traces_exporter":             "none",
	"telemetry.otlp_endpoint":               "localhost:4317",
	"telemetry.otlp_insecure":               false,
}

// Load reads envFile (if it exists) into the process environment, then builds the
// configuration from defaults, the YAML file at path (optional) and LOCKRS_ variables.
// Environment variables override the file.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields the CLI cannot work without
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendValkey:
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("config: storage.database_url must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: log.format must be json or text, got %q", c.Log.Format)
	}

	if c.Keys.EncryptionKey != "" {
		if _, err := security.KeyFromBase64(c.Keys.EncryptionKey); err != nil {
			return fmt.Errorf("config: keys.encryption_key: %w", err)
		}
	}
	return nil
}

// ServerConfig converts the token settings into a server.Config
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:               c.Issuer,
		AuthorizationCodeTTL: c.Tokens.AuthorizationCodeTTL,
		AccessTokenTTL:       c.Tokens.AccessTokenTTL,
		RefreshTokenTTL:      c.Tokens.RefreshTokenTTL,
		DeviceCodeTTL:        c.Tokens.DeviceCodeTTL,
		DevicePollInterval:   c.Tokens.DevicePollInterval,
		SessionTTL:           c.Tokens.SessionTTL,
		ClockSkewGracePeriod: c.Tokens.ClockSkewGracePeriod,
		SupportedScopes:      c.Tokens.SupportedScopes,
	}
}

// InstrumentationConfig converts the telemetry settings
func (c *Config) InstrumentationConfig(version string) instrumentation.Config {
	return instrumentation.Config{
		ServiceVersion:  version,
		Enabled:         c.Telemetry.Enabled,
		MetricsExporter: c.Telemetry.MetricsExporter,
		TracesExporter:  c.Telemetry.TracesExporter,
		OTLPEndpoint:    c.Telemetry.OTLPEndpoint,
		OTLPInsecure:    c.Telemetry.OTLPInsecure,
	}
}

// EncryptionKey decodes keys.encryption_key; nil when unset
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.Keys.EncryptionKey == "" {
		return nil, nil
	}
	return security.KeyFromBase64(c.Keys.EncryptionKey)
}

// NewLogger builds the slog logger described by the log settings
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
