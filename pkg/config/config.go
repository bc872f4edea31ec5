package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cids-io/cids/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Discovery     DiscoveryConfig
	Auth          AuthConfig
	Rotation      RotationConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnTimeout  time.Duration
}

// RedisConfig holds the optional Redis read-cache configuration
type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
}

// DiscoveryConfig holds crawler configuration
type DiscoveryConfig struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxPayloadSize int64
}

// AuthConfig holds token issuance configuration
type AuthConfig struct {
	SigningSecret  string
	Issuer         string
	A2ATTL         time.Duration
	OIDCIssuerURL  string
	OIDCClientID   string
	OIDCSkipVerify bool
}

// RotationConfig holds credential rotation sweep configuration
type RotationConfig struct {
	SweepSchedule     string
	SweepConcurrency  int
	DefaultGraceHours int
	CacheRefresh      string
	WebhookSecret     string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("CIDS_HOST", "0.0.0.0"),
			Port:            getEnv("CIDS_PORT", "8080"),
			ReadTimeout:     getEnvDuration("CIDS_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("CIDS_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("CIDS_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("CIDS_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("CIDS_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:          getEnv("CIDS_POSTGRES_URL", "postgres://localhost/cids?sslmode=disable"),
			MaxOpenConns: getEnvInt("CIDS_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("CIDS_POSTGRES_IDLE_CONNS", 5),
			ConnTimeout:  getEnvDuration("CIDS_POSTGRES_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("CIDS_REDIS_ENABLED", false),
			URL:      getEnv("CIDS_REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("CIDS_REDIS_PASSWORD", ""),
			DB:       getEnvInt("CIDS_REDIS_DB", 0),
		},
		Discovery: DiscoveryConfig{
			Timeout:        getEnvDuration("CIDS_DISCOVERY_TIMEOUT", 10*time.Second),
			MaxAttempts:    getEnvInt("CIDS_DISCOVERY_MAX_ATTEMPTS", 3),
			InitialBackoff: getEnvDuration("CIDS_DISCOVERY_BACKOFF", 500*time.Millisecond),
			MaxPayloadSize: int64(getEnvInt("CIDS_DISCOVERY_MAX_PAYLOAD", 4<<20)),
		},
		Auth: AuthConfig{
			SigningSecret:  getEnv("CIDS_JWT_SECRET", ""),
			Issuer:         getEnv("CIDS_JWT_ISSUER", "cids"),
			A2ATTL:         getEnvDuration("CIDS_A2A_TTL", 5*time.Minute),
			OIDCIssuerURL:  getEnv("CIDS_OIDC_ISSUER_URL", ""),
			OIDCClientID:   getEnv("CIDS_OIDC_CLIENT_ID", ""),
			OIDCSkipVerify: getEnvBool("CIDS_OIDC_SKIP_VERIFY", false),
		},
		Rotation: RotationConfig{
			SweepSchedule:     getEnv("CIDS_ROTATION_SWEEP_SCHEDULE", "0 * * * *"),
			SweepConcurrency:  getEnvInt("CIDS_ROTATION_SWEEP_CONCURRENCY", 4),
			DefaultGraceHours: getEnvInt("CIDS_ROTATION_DEFAULT_GRACE_HOURS", 24),
			CacheRefresh:      getEnv("CIDS_CACHE_REFRESH_SCHEDULE", "*/30 * * * *"),
			WebhookSecret:     getEnv("CIDS_WEBHOOK_SECRET", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(strings.ToLower(getEnv("CIDS_LOG_LEVEL", "info"))),
			MetricsEnabled: getEnvBool("CIDS_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("CIDS_JWT_SECRET is required")
	}
	if c.Auth.A2ATTL < 5*time.Minute || c.Auth.A2ATTL > 10*time.Minute {
		return fmt.Errorf("A2A token TTL must be between 5 and 10 minutes, got %s", c.Auth.A2ATTL)
	}
	if c.Discovery.MaxAttempts < 1 {
		return fmt.Errorf("discovery max attempts must be at least 1")
	}
	if c.Rotation.SweepConcurrency < 1 {
		return fmt.Errorf("rotation sweep concurrency must be at least 1")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
