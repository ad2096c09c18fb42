package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	GatewayMerchantID  string
	GatewaySecret      string
	GatewayBaseURL     string
	GatewayCallbackURL string
	GatewayTimeout     time.Duration
	IntentTTL          time.Duration

	SettlementLockTTL time.Duration
	SweepInterval     time.Duration
	SweepCutoff       time.Duration
	SweepBatchSize    int

	IdentitySecret string

	WebhookEndpoints []string
	WebhookSecret    string

	QueuePrefix            string
	QueueMaxAttempts       int
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration

	MigrationsURL string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		GatewayMerchantID:  k.String("GATEWAY_MERCHANT_ID"),
		GatewaySecret:      k.String("GATEWAY_SECRET"),
		GatewayBaseURL:     k.String("GATEWAY_BASE_URL"),
		GatewayCallbackURL: k.String("GATEWAY_CALLBACK_URL"),
		GatewayTimeout:     parseDuration(k.String("GATEWAY_TIMEOUT"), "30s"),
		IntentTTL:          parseDuration(k.String("INTENT_TTL"), "15m"),
		SettlementLockTTL:  parseDuration(k.String("SETTLEMENT_LOCK_TTL"), "30s"),
		SweepInterval:      parseDuration(k.String("SWEEP_INTERVAL"), "5m"),
		SweepCutoff:        parseDuration(k.String("SWEEP_CUTOFF"), "15m"),
		SweepBatchSize:     parseInt(k.String("SWEEP_BATCH_SIZE"), 100),

		IdentitySecret: k.String("IDENTITY_SECRET"),

		WebhookEndpoints: splitAndTrim(k.String("WEBHOOK_ENDPOINTS")),
		WebhookSecret:    k.String("WEBHOOK_SECRET"),

		QueuePrefix:            valueOrDefault(k.String("QUEUE_PREFIX"), "loyalty"),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 10),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),

		RateLimitMax:    parseInt(k.String("RATE_LIMIT_MAX"), 60),
		RateLimitWindow: parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),

		MigrationsURL: valueOrDefault(k.String("MIGRATIONS_URL"), "file://db/migrations"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.GatewaySecret == "" {
		return nil, errors.New("GATEWAY_SECRET is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(trimmed, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
