// Package config holds the gateway's process-level environment
// configuration and the per-domain routing configuration types the
// pipeline loads through the config cache.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvConfig holds process-wide configuration sourced from the environment.
// It is loaded once at boot and never mutated afterwards.
type EnvConfig struct {
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	RedisURL   string
	StorageURL string // upstream config-storage service base URL

	DefaultDomain string // domain the background health prober watches at boot

	IPHashSalt      string
	ChallengeSecret string
	ChallengePageURL string

	MetricsAPIKey  string
	MetricsSinkURL string // full /api/metrics/record path, e.g. https://metrics.internal/api/metrics/record

	AIClassifierURL     string
	AIClassifierAPIKey  string
	AIClassifierTimeout time.Duration

	TurnstileSecret string
	HCaptchaSecret  string

	MaxBodyBytes    int64
	RequestBudget   time.Duration // hard per-request wall-clock budget (spec §5)
	ConfigCacheTTL  time.Duration
	LogLevel        string
}

// Load reads configuration from environment variables and an optional
// .env file. Missing values fall back to sane development defaults.
func Load() *EnvConfig {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)
	budgetSec := getEnvInt("GATEWAY_REQUEST_BUDGET_SEC", 30)
	aiTimeoutMs := getEnvInt("AI_CLASSIFIER_TIMEOUT_MS", 50)
	cacheTTLSec := getEnvInt("GATEWAY_CONFIG_CACHE_TTL_SEC", 60)

	return &EnvConfig{
		Addr:            getEnv("GATEWAY_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,

		RedisURL:   getEnv("REDIS_URL", "redis://redis:6379"),
		StorageURL: getEnv("CONFIG_STORAGE_URL", "http://localhost:9000"),

		DefaultDomain: getEnv("GATEWAY_DEFAULT_DOMAIN", ""),

		IPHashSalt:       getEnv("IP_HASH_SALT", "dev-salt-change-me"),
		ChallengeSecret:  getEnv("CHALLENGE_SECRET", "dev-secret-change-me"),
		ChallengePageURL: getEnv("CHALLENGE_PAGE_URL", "https://challenge.example.com/"),

		MetricsAPIKey:  getEnv("METRICS_API_KEY", ""),
		MetricsSinkURL: getEnv("METRICS_SINK_URL", ""),

		AIClassifierURL:     getEnv("AI_CLASSIFIER_URL", ""),
		AIClassifierAPIKey:  getEnv("AI_CLASSIFIER_API_KEY", ""),
		AIClassifierTimeout: time.Duration(aiTimeoutMs) * time.Millisecond,

		TurnstileSecret: getEnv("TURNSTILE_SECRET", ""),
		HCaptchaSecret:  getEnv("HCAPTCHA_SECRET", ""),

		MaxBodyBytes:   int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 2*1024*1024)),
		RequestBudget:  time.Duration(budgetSec) * time.Second,
		ConfigCacheTTL: time.Duration(cacheTTLSec) * time.Second,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *EnvConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *EnvConfig) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
