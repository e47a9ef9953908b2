// Package config loads gateway configuration: 12-factor environment
// variables for the runtime, plus a YAML pipeline profile for the
// operational knobs (probe targets, cooldowns, budgets, allowlists).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server and worker configuration.
type Config struct {
	Port     string
	LogLevel string

	// RedisURL selects the shared store; empty means in-memory backends
	// (single node, tests).
	RedisURL string
	// ReplayDBPath is the SQLite file backing the nonce replay guard.
	ReplayDBPath string

	APIKey          string
	MasterSecret    string
	OperatorSecret  string
	SigningRequired bool
	TimestampWindow time.Duration
	ReplayRetention time.Duration
	RateLimitRPM    int
	RateLimitBurst  int

	// PolicyProfilePath points at the YAML policy pack; empty uses the
	// built-in defaults.
	PolicyProfilePath string
	// PipelinePath points at the YAML pipeline profile; empty uses the
	// built-in defaults.
	PipelinePath string

	OTELEnabled  bool
	OTELEndpoint string

	// S3Bucket enables audit snapshot export when set.
	S3Bucket   string
	S3Endpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "INFO"),

		RedisURL:     os.Getenv("REDIS_URL"),
		ReplayDBPath: envOr("REPLAY_DB_PATH", "sentinel-replay.db"),

		APIKey:          os.Getenv("SENTINEL_API_KEY"),
		MasterSecret:    os.Getenv("SENTINEL_MASTER_SECRET"),
		OperatorSecret:  os.Getenv("SENTINEL_OPERATOR_SECRET"),
		SigningRequired: envOr("SIGNING_REQUIRED", "true") == "true",
		TimestampWindow: envDuration("TIMESTAMP_WINDOW", 2*time.Minute),
		ReplayRetention: envDuration("REPLAY_RETENTION", time.Hour),
		RateLimitRPM:    envInt("RATE_LIMIT_RPM", 60),
		RateLimitBurst:  envInt("RATE_LIMIT_BURST", 10),

		PolicyProfilePath: os.Getenv("POLICY_PROFILE_PATH"),
		PipelinePath:      os.Getenv("PIPELINE_PROFILE_PATH"),

		OTELEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTELEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		S3Bucket:   os.Getenv("AUDIT_EXPORT_BUCKET"),
		S3Endpoint: os.Getenv("AUDIT_EXPORT_ENDPOINT"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
