// Package config provides configuration loading for sdmd.
//
// Configuration is loaded from environment variables with sensible defaults,
// optionally layered over a YAML file (see LoadWithFile).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the complete sdmd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	GitHub        GitHubConfig        `koanf:"github"`
	Goals         GoalsConfig         `koanf:"goals"`
	Cache         CacheConfig         `koanf:"cache"`
	NATS          NATSConfig          `koanf:"nats"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Secrets       SecretsConfig       `koanf:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RateLimit is the sustained webhook requests per second allowed per client IP.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// GitHubConfig holds credentials for the hosted git provider.
type GitHubConfig struct {
	Token         Secret `koanf:"token"`
	WebhookSecret Secret `koanf:"webhook_secret"`
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL string `koanf:"base_url"`
}

// GoalsConfig controls goal execution.
type GoalsConfig struct {
	// RulesFile is the YAML file declaring goals and push rules.
	RulesFile    string `koanf:"rules_file"`
	HooksEnabled bool   `koanf:"hooks_enabled"`
	// Timeout bounds a single goal execution. Zero waits indefinitely.
	Timeout time.Duration `koanf:"timeout"`
	// Concurrency caps goals executing at once across all pushes.
	Concurrency int `koanf:"concurrency"`
}

// CacheConfig holds project checkout cache configuration.
type CacheConfig struct {
	Capacity     int           `koanf:"capacity"`
	CleanupDelay time.Duration `koanf:"cleanup_delay"`
	BaseDir      string        `koanf:"base_dir"`
}

// NATSConfig holds goal-state store configuration. An empty URL selects
// the in-memory store.
type NATSConfig struct {
	URL    string `koanf:"url"`
	Bucket string `koanf:"bucket"`
}

// TemporalConfig holds job fan-out configuration. An empty HostPort
// selects the in-process dispatcher.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// SecretsConfig controls progress log scrubbing.
type SecretsConfig struct {
	Enabled bool `koanf:"enabled"`
	// AllowlistFile is an optional gitleaks-style TOML allowlist.
	AllowlistFile string `koanf:"allowlist_file"`
}

// Load loads configuration from environment variables with defaults.
//
// Environment variables:
//   - SERVER_HTTP_PORT: HTTP server port (default: 8080)
//   - SERVER_SHUTDOWN_TIMEOUT: Graceful shutdown timeout (default: 10s)
//   - OTEL_ENABLE: Enable OpenTelemetry (default: false)
//   - OTEL_SERVICE_NAME: Service name for traces (default: sdmd)
//   - GITHUB_TOKEN: API token used for clones, file reads and pull requests
//   - GITHUB_WEBHOOK_SECRET: HMAC secret for webhook payloads
//   - GOALS_HOOKS_ENABLED: Run pre/post goal hooks (default: true)
//   - GOALS_TIMEOUT: Per-goal deadline (default: 0, no deadline)
//   - CACHE_CAPACITY: Cached read-only checkouts (default: 20)
//   - CACHE_CLEANUP_DELAY: Delay before removing uncached checkouts (default: 2m)
//   - NATS_URL: JetStream server for goal state (default: in-memory)
//   - TEMPORAL_HOST_PORT: Temporal frontend for job fan-out (default: in-process)
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_HTTP_PORT", 8080),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RateLimit:       getEnvFloat("SERVER_RATE_LIMIT", 10),
			RateBurst:       getEnvInt("SERVER_RATE_BURST", 20),
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: getEnvBool("OTEL_ENABLE", false),
			ServiceName:     getEnvString("OTEL_SERVICE_NAME", "sdmd"),
			LogLevel:        getEnvString("LOG_LEVEL", "info"),
			LogFormat:       getEnvString("LOG_FORMAT", "json"),
		},
		GitHub: GitHubConfig{
			Token:         Secret(os.Getenv("GITHUB_TOKEN")),
			WebhookSecret: Secret(os.Getenv("GITHUB_WEBHOOK_SECRET")),
			BaseURL:       os.Getenv("GITHUB_BASE_URL"),
		},
		Goals: GoalsConfig{
			RulesFile:    getEnvString("GOALS_RULES_FILE", "goals.yaml"),
			HooksEnabled: getEnvBool("GOALS_HOOKS_ENABLED", true),
			Timeout:      getEnvDuration("GOALS_TIMEOUT", 0),
			Concurrency:  getEnvInt("GOALS_CONCURRENCY", 8),
		},
		Cache: CacheConfig{
			Capacity:     getEnvInt("CACHE_CAPACITY", 20),
			CleanupDelay: getEnvDuration("CACHE_CLEANUP_DELAY", 2*time.Minute),
			BaseDir:      getEnvString("CACHE_BASE_DIR", ""),
		},
		NATS: NATSConfig{
			URL:    os.Getenv("NATS_URL"),
			Bucket: getEnvString("NATS_BUCKET", "sdm-goals"),
		},
		Temporal: TemporalConfig{
			HostPort:  os.Getenv("TEMPORAL_HOST_PORT"),
			Namespace: getEnvString("TEMPORAL_NAMESPACE", "default"),
			TaskQueue: getEnvString("TEMPORAL_TASK_QUEUE", "sdm-jobs"),
		},
		Secrets: SecretsConfig{
			Enabled:       getEnvBool("SECRETS_ENABLED", true),
			AllowlistFile: os.Getenv("SECRETS_ALLOWLIST_FILE"),
		},
	}

	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Service name is empty (when telemetry is enabled)
//   - Cache capacity or goal concurrency is not positive
//   - Goal timeout is negative
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %v", c.Server.RateLimit)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if c.Goals.Timeout < 0 {
		return fmt.Errorf("goal timeout cannot be negative: %s", c.Goals.Timeout)
	}
	if c.Goals.Concurrency < 1 {
		return fmt.Errorf("goal concurrency must be positive, got %d", c.Goals.Concurrency)
	}

	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.CleanupDelay <= 0 {
		return errors.New("cache cleanup delay must be positive")
	}

	if c.NATS.URL != "" && c.NATS.Bucket == "" {
		return errors.New("nats bucket required when nats url is set")
	}
	if c.Temporal.HostPort != "" && c.Temporal.TaskQueue == "" {
		return errors.New("temporal task queue required when host_port is set")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
