// Package config loads SommOS's runtime configuration.
//
// Configuration is read from environment variables, with an optional
// .env file loaded first via godotenv. Every option recognized by the
// core is enumerated on Config; there is no hidden global state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the single struct carrying every recognized option.
type Config struct {
	ListenPort int
	DatabasePath string

	SessionSecret string
	JWTSecret     string

	PrimaryAIKey     string
	PrimaryAIBaseURL string

	SecondaryAIKey     string
	SecondaryAIBaseURL string

	WeatherBaseURL        string
	GeocodeBaseURL        string
	ExternalCallsDisabled bool

	MaxConnections      int
	HeartbeatInterval   time.Duration
	PairingCacheMax     int
	PairingCacheTTL     time.Duration
	ProviderTimeout     time.Duration
	WeatherTimeout      time.Duration
	MetricsWindow       int
	AppliedOpsRetention time.Duration

	ExperimentAllocatorEnabled bool

	LogLevel  string
	LogPretty bool

	BackupBucket          string
	BackupRegion          string
	BackupAccessKeyID     string
	BackupSecretAccessKey string
	BackupRetentionDays   int
}

// Load reads configuration from the environment, applying sensible
// production defaults for every option.
func Load() (*Config, error) {
	// .env is optional; godotenv.Load returns an error when absent, which
	// is fine in production where real env vars are already set.
	_ = godotenv.Load()

	env := getEnv("SOMMOS_ENV", "production")

	cfg := &Config{
		ListenPort:   getEnvAsInt("SOMMOS_LISTEN_PORT", 3001),
		DatabasePath: getEnv("SOMMOS_DATABASE_PATH", "./data/sommos.db"),

		SessionSecret: getEnv("SOMMOS_SESSION_SECRET", ""),
		JWTSecret:     getEnv("SOMMOS_JWT_SECRET", ""),

		PrimaryAIKey:     getEnv("SOMMOS_PRIMARY_AI_KEY", ""),
		PrimaryAIBaseURL: getEnv("SOMMOS_PRIMARY_AI_BASE_URL", "https://api.openai.com/v1"),

		SecondaryAIKey:     getEnv("SOMMOS_SECONDARY_AI_KEY", ""),
		SecondaryAIBaseURL: getEnv("SOMMOS_SECONDARY_AI_BASE_URL", "https://api.deepseek.com/v1"),

		WeatherBaseURL:        getEnv("SOMMOS_WEATHER_BASE_URL", "https://archive-api.open-meteo.com/v1/archive"),
		GeocodeBaseURL:        getEnv("SOMMOS_GEOCODE_BASE_URL", "https://geocoding-api.open-meteo.com/v1/search"),
		ExternalCallsDisabled: getEnvAsBool("SOMMOS_EXTERNAL_CALLS_DISABLED", false),

		MaxConnections:      getEnvAsInt("SOMMOS_MAX_CONNECTIONS", 1000),
		HeartbeatInterval:   time.Duration(getEnvAsInt("SOMMOS_HEARTBEAT_INTERVAL_MS", 30000)) * time.Millisecond,
		PairingCacheMax:     getEnvAsInt("SOMMOS_PAIRING_CACHE_MAX", 10000),
		PairingCacheTTL:     time.Duration(getEnvAsInt("SOMMOS_PAIRING_CACHE_TTL_MS", 900000)) * time.Millisecond,
		ProviderTimeout:     time.Duration(getEnvAsInt("SOMMOS_PROVIDER_TIMEOUT_MS", 30000)) * time.Millisecond,
		WeatherTimeout:      time.Duration(getEnvAsInt("SOMMOS_WEATHER_TIMEOUT_MS", 10000)) * time.Millisecond,
		MetricsWindow:       getEnvAsInt("SOMMOS_METRICS_WINDOW", 100),
		AppliedOpsRetention: time.Duration(getEnvAsInt("SOMMOS_APPLIED_OPS_RETENTION_DAYS", 7)) * 24 * time.Hour,

		ExperimentAllocatorEnabled: getEnvAsBool("SOMMOS_EXPERIMENT_ALLOCATOR_ENABLED", false),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", env == "development"),

		BackupBucket:          getEnv("SOMMOS_BACKUP_BUCKET", ""),
		BackupRegion:          getEnv("SOMMOS_BACKUP_REGION", ""),
		BackupAccessKeyID:     getEnv("SOMMOS_BACKUP_ACCESS_KEY_ID", ""),
		BackupSecretAccessKey: getEnv("SOMMOS_BACKUP_SECRET_ACCESS_KEY", ""),
		BackupRetentionDays:   getEnvAsInt("SOMMOS_BACKUP_RETENTION_DAYS", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency of loaded configuration.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.ListenPort)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	return nil
}

// BackupEnabled reports whether opportunistic backup has enough
// configuration to run.
func (c *Config) BackupEnabled() bool {
	return c.BackupBucket != "" && c.BackupAccessKeyID != "" && c.BackupSecretAccessKey != ""
}

// PrimaryAIEnabled reports whether the primary AI provider is configured.
func (c *Config) PrimaryAIEnabled() bool {
	return !c.ExternalCallsDisabled && c.PrimaryAIKey != ""
}

// SecondaryAIEnabled reports whether the secondary AI provider is configured.
func (c *Config) SecondaryAIEnabled() bool {
	return !c.ExternalCallsDisabled && c.SecondaryAIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
