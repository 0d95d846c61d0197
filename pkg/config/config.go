package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quartzid/ssocore/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// SSO flow tunables
	SSO SSOConfig

	// Storage backends
	Storage StorageConfig

	// Observability configuration
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

// SSOConfig holds flow and provider tunables
type SSOConfig struct {
	// FlowTTL bounds the window between initiation and callback
	FlowTTL time.Duration

	// SessionTTL bounds authenticated session lifetime
	SessionTTL time.Duration

	// ReplayWindow bounds how long consumed assertion/token IDs are kept
	ReplayWindow time.Duration

	// DiscoveryTimeout bounds OIDC discovery and metadata fetches
	DiscoveryTimeout time.Duration

	// HTTPTimeout bounds outbound IdP calls (token exchange, UserInfo)
	HTTPTimeout time.Duration
}

// StorageConfig holds session-store and configuration-store settings
type StorageConfig struct {
	// SessionBackend selects the session store: memory or redis
	SessionBackend string

	// PostgresURL is the configuration database; empty disables the DB store
	PostgresURL string

	RedisAddress    string
	RedisPassword   string
	RedisDB         int
	RedisPoolSize   int
	RedisMaxRetries int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		SSO:           loadSSOConfig(),
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SSOCORE_HOST", "0.0.0.0"),
		Port:            getEnv("SSOCORE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SSOCORE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SSOCORE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("SSOCORE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SSOCORE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("SSOCORE_HEALTH_PORT", "9090"),
	}
}

func loadSSOConfig() SSOConfig {
	return SSOConfig{
		FlowTTL:          getEnvDuration("SSOCORE_FLOW_TTL", 10*time.Minute),
		SessionTTL:       getEnvDuration("SSOCORE_SESSION_TTL", 8*time.Hour),
		ReplayWindow:     getEnvDuration("SSOCORE_REPLAY_WINDOW", 24*time.Hour),
		DiscoveryTimeout: getEnvDuration("SSOCORE_DISCOVERY_TIMEOUT", 10*time.Second),
		HTTPTimeout:      getEnvDuration("SSOCORE_HTTP_TIMEOUT", 10*time.Second),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		SessionBackend:  getEnv("SSOCORE_SESSION_BACKEND", "memory"),
		PostgresURL:     getEnv("SSOCORE_POSTGRES_URL", ""),
		RedisAddress:    getEnv("SSOCORE_REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:   getEnv("SSOCORE_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("SSOCORE_REDIS_DB", 0),
		RedisPoolSize:   getEnvInt("SSOCORE_REDIS_POOL_SIZE", 10),
		RedisMaxRetries: getEnvInt("SSOCORE_REDIS_MAX_RETRIES", 3),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("SSOCORE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("SSOCORE_METRICS_ENABLED", true),
	}
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

	switch c.Storage.SessionBackend {
	case "memory":
	case "redis":
		if c.Storage.RedisAddress == "" {
			return fmt.Errorf("redis address is required for the redis session backend")
		}
	default:
		return fmt.Errorf("invalid session backend: %s (must be memory or redis)", c.Storage.SessionBackend)
	}

	if c.SSO.FlowTTL <= 0 {
		return fmt.Errorf("flow TTL must be positive")
	}
	if c.SSO.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.SSO.ReplayWindow <= 0 {
		return fmt.Errorf("replay window must be positive")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
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
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
