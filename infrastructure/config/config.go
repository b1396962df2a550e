// Package config loads CIRISLens runtime configuration from the environment,
// optionally seeded from a .env file in development.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every environment-tunable setting the collector needs at boot.
// Scalar fields are decoded by envdecode; the handful of fields that need
// bespoke parsing (CSV lists, byte sizes) are resolved separately in Load.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`

	DatabaseURL         string `env:"DATABASE_URL,required"`
	DBMaxOpenConns      int    `env:"DB_MAX_OPEN_CONNS,default=20"`
	DBMaxIdleConns      int    `env:"DB_MAX_IDLE_CONNS,default=5"`
	MigrationsPath      string `env:"MIGRATIONS_PATH,default=internal_migrations"`

	SecretsMasterKey string `env:"SECRETS_MASTER_KEY,required"`
	JWTSigningKey    string `env:"ACCESS_TOKEN_SIGNING_KEY,required"`

	PollWorkerPoolSize    int           `env:"POLL_WORKER_POOL_SIZE,default=16"`
	PollIntervalDefault   time.Duration `env:"POLL_INTERVAL_DEFAULT,default=30s"`
	PollHTTPTimeout       time.Duration `env:"POLL_HTTP_TIMEOUT,default=10s"`

	AnalyzerTimezone        string `env:"ANALYZER_TIMEZONE,default=UTC"`
	ReverifyIntervalSeconds int    `env:"REVERIFY_INTERVAL_SECONDS,default=3600"`

	ShutdownGraceSeconds int `env:"SHUTDOWN_GRACE_SECONDS,default=30"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	RateLimitFullPerMin    int `env:"RATE_LIMIT_FULL_PER_MIN,default=1000"`
	RateLimitPartnerPerMin int `env:"RATE_LIMIT_PARTNER_PER_MIN,default=100"`
	RateLimitPublicPerMin  int `env:"RATE_LIMIT_PUBLIC_PER_MIN,default=20"`

	IngestMaxBatchBytes int64 `env:"INGEST_MAX_BATCH_BYTES,default=5242880"`
}

// Load reads .env (if present, ignored if missing) then decodes the process
// environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// SplitCSV splits a comma-separated env value and trims each element,
// dropping empties. Used for list-shaped settings envdecode can't express.
func SplitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ParseByteSize parses sizes like "5MB", "512KB" into bytes.
func ParseByteSize(raw string) (int64, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	mult := int64(1)
	switch {
	case strings.HasSuffix(raw, "gb"):
		mult, raw = 1<<30, strings.TrimSuffix(raw, "gb")
	case strings.HasSuffix(raw, "mb"):
		mult, raw = 1<<20, strings.TrimSuffix(raw, "mb")
	case strings.HasSuffix(raw, "kb"):
		mult, raw = 1<<10, strings.TrimSuffix(raw, "kb")
	case strings.HasSuffix(raw, "b"):
		raw = strings.TrimSuffix(raw, "b")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", raw, err)
	}
	return n * mult, nil
}
