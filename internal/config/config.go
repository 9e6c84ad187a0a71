package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/wardrobe/internal/retry"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

// Config holds all configuration for the wardrobe enrichment service.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Inference InferenceConfig
	Worker    WorkerConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	LogLevel        string
	StatusCacheTTL  time.Duration
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// InferenceConfig points at the AI inference service.
type InferenceConfig struct {
	BaseURL string
	Timeout time.Duration
}

// WorkerConfig tunes the enrichment dispatcher.
type WorkerConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxInFlight      int
	LeaseTimeout     time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	TaskTypes        []models.TaskType
}

type AuthConfig struct {
	JWTSecret      string
	AdminTokenHash string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	taskTypes, err := envTaskTypes("WORKER_TASK_TYPES", models.TaskTypes)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("PORT", 8080),
			Env:             envString("APP_ENV", "development"),
			LogLevel:        envString("LOG_LEVEL", "info"),
			StatusCacheTTL:  envDuration("STATUS_CACHE_TTL", 30*time.Minute),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Inference: InferenceConfig{
			BaseURL: strings.TrimRight(envString("AI_SERVICE_URL", "http://localhost:8000"), "/"),
			Timeout: envDurationSecs("AI_TIMEOUT_SECS", 30*time.Second),
		},
		Worker: WorkerConfig{
			PollInterval:     envDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			BatchSize:        envInt("WORKER_BATCH_SIZE", 5),
			MaxInFlight:      envInt("WORKER_MAX_IN_FLIGHT", 10),
			LeaseTimeout:     envDuration("WORKER_LEASE_TIMEOUT", 2*time.Minute),
			RetryMaxAttempts: envInt("WORKER_RETRY_MAX_ATTEMPTS", 1),
			RetryBaseDelay:   envDuration("WORKER_RETRY_BASE_DELAY", 2*time.Second),
			TaskTypes:        taskTypes,
		},
		Auth: AuthConfig{
			JWTSecret:      os.Getenv("JWT_SECRET"),
			AdminTokenHash: os.Getenv("ADMIN_TOKEN_HASH"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if !strings.HasPrefix(c.Inference.BaseURL, "http://") && !strings.HasPrefix(c.Inference.BaseURL, "https://") {
		return fmt.Errorf("AI_SERVICE_URL must start with http:// or https://, got %q", c.Inference.BaseURL)
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("AI_TIMEOUT_SECS must be positive")
	}

	w := c.Worker
	if w.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %s", w.PollInterval)
	}
	if w.BatchSize <= 0 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be positive, got %d", w.BatchSize)
	}
	if w.MaxInFlight < w.BatchSize {
		return fmt.Errorf("WORKER_MAX_IN_FLIGHT (%d) must be at least WORKER_BATCH_SIZE (%d)", w.MaxInFlight, w.BatchSize)
	}
	if w.RetryMaxAttempts < 1 {
		return fmt.Errorf("WORKER_RETRY_MAX_ATTEMPTS must be at least 1, got %d", w.RetryMaxAttempts)
	}
	if w.RetryBaseDelay < 0 {
		return fmt.Errorf("WORKER_RETRY_BASE_DELAY must not be negative, got %s", w.RetryBaseDelay)
	}
	worstCase := c.Inference.Timeout*time.Duration(w.RetryMaxAttempts) +
		retry.WorstCaseDelay(w.RetryMaxAttempts, w.RetryBaseDelay)
	if w.LeaseTimeout <= worstCase {
		return fmt.Errorf("WORKER_LEASE_TIMEOUT (%s) must exceed the worst-case inference time including retry backoff (%s)", w.LeaseTimeout, worstCase)
	}

	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envTaskTypes(key string, defaultVal []models.TaskType) ([]models.TaskType, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	var out []models.TaskType
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tt, err := models.ParseTaskType(part)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, tt)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s must name at least one task type", key)
	}
	return out, nil
}
