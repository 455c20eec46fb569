// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted in STORAGE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// StorageBackend selects the persistence layer: memory, redis, or postgres.
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	// DatabaseURL is the Postgres DSN; required for the postgres backend.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr is host:port; required for the redis backend.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is optional.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// RedisDB is the Redis logical database index.
	RedisDB int `mapstructure:"REDIS_DB"`
	// TokenCipherKey is an optional base64-encoded 32-byte key; when set,
	// session blobs in Redis are encrypted at rest.
	TokenCipherKey string `mapstructure:"TOKEN_CIPHER_KEY"`

	// IdPTokenURL is the provider's token endpoint for refresh grants.
	IdPTokenURL string `mapstructure:"IDP_TOKEN_URL"`
	// IdPIntrospectURL is the provider's introspection endpoint; optional.
	IdPIntrospectURL string `mapstructure:"IDP_INTROSPECT_URL"`
	// IdPClientID and IdPClientSecret authenticate this service to the provider.
	IdPClientID     string `mapstructure:"IDP_CLIENT_ID"`
	IdPClientSecret string `mapstructure:"IDP_CLIENT_SECRET"`
	// IntrospectRemotely enables provider-side token validation.
	IntrospectRemotely bool `mapstructure:"INTROSPECT_REMOTELY"`

	// RefreshBuffer is how long before access-token expiry a refresh is due (e.g. "5m").
	RefreshBuffer string `mapstructure:"REFRESH_BUFFER"`
	// RefreshMaxAttempts bounds the token-endpoint exchange, first try included.
	RefreshMaxAttempts int `mapstructure:"REFRESH_MAX_ATTEMPTS"`
	// RotationGracePeriod is how long a rotated-out refresh token stays acceptable (e.g. "60s").
	RotationGracePeriod string `mapstructure:"ROTATION_GRACE_PERIOD"`

	// RevocationListTTL is how long revocation records are kept (e.g. "24h").
	RevocationListTTL string `mapstructure:"REVOCATION_LIST_TTL"`
	// CascadeRevocation revokes dependent tokens when a refresh token is revoked.
	CascadeRevocation bool `mapstructure:"CASCADE_REVOCATION"`

	// MaxSessionsPerUser caps live sessions per user; FIFO eviction beyond it.
	MaxSessionsPerUser int `mapstructure:"MAX_SESSIONS_PER_USER"`
	// IdleTimeout and AbsoluteTimeout bound session lifetimes (e.g. "30m", "8h").
	IdleTimeout     string `mapstructure:"IDLE_TIMEOUT"`
	AbsoluteTimeout string `mapstructure:"ABSOLUTE_TIMEOUT"`
	// FingerprintThreshold is the similarity ratio device checks require, in (0,1].
	FingerprintThreshold float64 `mapstructure:"FINGERPRINT_THRESHOLD"`

	// HijackPolicy is optional Rego source overriding the built-in
	// hijack-response policy.
	HijackPolicy string `mapstructure:"HIJACK_POLICY"`

	// CleanupInterval and CleanupBatchSize drive the background sweeps.
	CleanupInterval  string `mapstructure:"CLEANUP_INTERVAL"`
	CleanupBatchSize int    `mapstructure:"CLEANUP_BATCH_SIZE"`

	// OTLPEndpoint enables OpenTelemetry export when set (host:port or URL).
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("STORAGE_BACKEND", BackendMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("TOKEN_CIPHER_KEY", "")
	v.SetDefault("IDP_TOKEN_URL", "")
	v.SetDefault("IDP_INTROSPECT_URL", "")
	v.SetDefault("INTROSPECT_REMOTELY", false)
	v.SetDefault("REFRESH_BUFFER", "5m")
	v.SetDefault("REFRESH_MAX_ATTEMPTS", 3)
	v.SetDefault("ROTATION_GRACE_PERIOD", "60s")
	v.SetDefault("REVOCATION_LIST_TTL", "24h")
	v.SetDefault("CASCADE_REVOCATION", true)
	v.SetDefault("MAX_SESSIONS_PER_USER", 5)
	v.SetDefault("IDLE_TIMEOUT", "30m")
	v.SetDefault("ABSOLUTE_TIMEOUT", "8h")
	v.SetDefault("FINGERPRINT_THRESHOLD", 0.8)
	v.SetDefault("HIJACK_POLICY", "")
	v.SetDefault("CLEANUP_INTERVAL", "1m")
	v.SetDefault("CLEANUP_BATCH_SIZE", 100)
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	switch cfg.StorageBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("config: REDIS_ADDR must be set for the redis backend")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL must be set for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("config: unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	if cfg.FingerprintThreshold <= 0 || cfg.FingerprintThreshold > 1 {
		return nil, errors.New("config: FINGERPRINT_THRESHOLD must be within (0,1]")
	}
	if cfg.TokenCipherKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.TokenCipherKey)
		if err != nil || len(key) != 32 {
			return nil, errors.New("config: TOKEN_CIPHER_KEY must be base64 of 32 bytes")
		}
	}

	return &cfg, nil
}

// CipherKey decodes TokenCipherKey. Returns nil when unset; Load has
// already validated the encoding.
func (c *Config) CipherKey() []byte {
	if c.TokenCipherKey == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(c.TokenCipherKey)
	if err != nil {
		return nil
	}
	return key
}

func (c *Config) duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// RefreshBufferDuration parses RefreshBuffer. Returns 5m if unset or invalid.
func (c *Config) RefreshBufferDuration() time.Duration {
	return c.duration(c.RefreshBuffer, 5*time.Minute)
}

// RotationGraceDuration parses RotationGracePeriod. Returns 60s if unset or invalid.
func (c *Config) RotationGraceDuration() time.Duration {
	return c.duration(c.RotationGracePeriod, 60*time.Second)
}

// RevocationTTLDuration parses RevocationListTTL. Returns 24h if unset or invalid.
func (c *Config) RevocationTTLDuration() time.Duration {
	return c.duration(c.RevocationListTTL, 24*time.Hour)
}

// IdleTimeoutDuration parses IdleTimeout. Returns 30m if unset or invalid.
func (c *Config) IdleTimeoutDuration() time.Duration {
	return c.duration(c.IdleTimeout, 30*time.Minute)
}

// AbsoluteTimeoutDuration parses AbsoluteTimeout. Returns 8h if unset or invalid.
func (c *Config) AbsoluteTimeoutDuration() time.Duration {
	return c.duration(c.AbsoluteTimeout, 8*time.Hour)
}

// CleanupIntervalDuration parses CleanupInterval. Returns 1m if unset or invalid.
func (c *Config) CleanupIntervalDuration() time.Duration {
	return c.duration(c.CleanupInterval, time.Minute)
}
