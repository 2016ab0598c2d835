// Package config loads the control-plane configuration from environment
// variables with fallback defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	// Storage connection string (DSN). Postgres or SQLite; empty disables
	// snapshot persistence.
	StorageDSN string

	// Enable debug logging
	Debug bool

	Auth          AuthConfig
	OAuth         OAuthServerConfig
	Controls      ControlsConfig
	Observability ObservabilityConfig
}

// AuthConfig tunes the authentication manager.
type AuthConfig struct {
	// SessionDuration is the default session lifetime.
	SessionDuration time.Duration

	// LockoutThreshold is the number of failed attempts per throttle key
	// before further attempts are refused.
	LockoutThreshold int

	// LockoutWindow is the sliding window for failed-attempt counting.
	LockoutWindow time.Duration

	// BcryptCost is the cost used when bcrypt hashing is selected.
	// Argon2id is the default algorithm; bcrypt is the fallback.
	BcryptCost int
}

// OAuthServerConfig tunes the embedded OAuth 2.0 authorization server.
type OAuthServerConfig struct {
	// Issuer is this server's issuer URL, embedded in minted ID tokens.
	Issuer string

	// AuthorizationCodeTTL bounds code exchange (10 minutes unless overridden).
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL bounds access tokens (1 hour unless overridden).
	AccessTokenTTL time.Duration

	// SigningKeyPath is where the ID-token signing key is persisted so
	// tokens stay valid across restarts. Empty generates an ephemeral key.
	SigningKeyPath string
}

// ControlsConfig tunes the advanced security controls.
type ControlsConfig struct {
	// SeedDefaults installs the default IP and rate-limit rules at startup.
	SeedDefaults bool

	// HTTPTimeout applies to outbound identity-provider calls.
	HTTPTimeout time.Duration

	// MetadataTimeout applies to SAML metadata fetches, which tolerate
	// slower endpoints than token exchanges.
	MetadataTimeout time.Duration
}

// ObservabilityConfig holds OpenTelemetry settings.
type ObservabilityConfig struct {
	OTLPEndpoint   string
	OTLPProtocol   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Load reads configuration from environment variables with fallback defaults.
func Load() (*Config, error) {
	cfg := &Config{
		StorageDSN: getEnv("STORAGE_DSN", ""),
		Debug:      getEnvBool("DEBUG", false),
		Auth: AuthConfig{
			SessionDuration:  getEnvDuration("SESSION_DURATION", 24*time.Hour),
			LockoutThreshold: getEnvInt("LOGIN_LOCKOUT_THRESHOLD", 5),
			LockoutWindow:    getEnvDuration("LOGIN_LOCKOUT_WINDOW", 5*time.Minute),
			BcryptCost:       getEnvInt("BCRYPT_COST", 12),
		},
		OAuth: OAuthServerConfig{
			Issuer:               getEnv("OAUTH_ISSUER", "https://aegis.local"),
			AuthorizationCodeTTL: getEnvDuration("OAUTH_CODE_TTL", 10*time.Minute),
			AccessTokenTTL:       getEnvDuration("OAUTH_ACCESS_TOKEN_TTL", time.Hour),
			SigningKeyPath:       getEnv("OAUTH_SIGNING_KEY_PATH", ""),
		},
		Controls: ControlsConfig{
			SeedDefaults:    getEnvBool("CONTROLS_SEED_DEFAULTS", true),
			HTTPTimeout:     getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
			MetadataTimeout: getEnvDuration("METADATA_TIMEOUT", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPProtocol:   getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "http/protobuf"),
			OTLPInsecure:   getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "aegis"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Environment:    getEnv("OTEL_ENVIRONMENT", "development"),
		},
	}

	if cfg.Auth.LockoutThreshold < 1 {
		return nil, fmt.Errorf("LOGIN_LOCKOUT_THRESHOLD must be >= 1")
	}
	if cfg.Auth.BcryptCost < 12 {
		return nil, fmt.Errorf("BCRYPT_COST must be >= 12")
	}
	if cfg.OAuth.AuthorizationCodeTTL <= 0 || cfg.OAuth.AccessTokenTTL <= 0 {
		return nil, fmt.Errorf("OAuth TTLs must be positive")
	}
	if !strings.HasPrefix(cfg.OAuth.Issuer, "http://") && !strings.HasPrefix(cfg.OAuth.Issuer, "https://") {
		return nil, fmt.Errorf("OAUTH_ISSUER must be an absolute URL")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go syntax,
// e.g. "30m") or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
