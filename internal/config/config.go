// Package config loads server configuration from environment variables.
//
// Variables already present in the environment win over values from the
// optional dotenv file named by ENV_FILE (default ".env").
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - STREAM_POLL_INTERVAL: polling interval for SSE and gRPC streaming
//     (default "1s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVENT_BATCH_SIZE: max number of events returned per stream poll query
//     (default "1000", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m", must be > 0 if set).
//   - AUTH_RATE_LIMIT: failed auth attempts allowed per minute per client IP
//     (default "10", must be > 0 if set).
//   - MIGRATE_ON_START: apply database migrations before serving
//     (default "false").
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP/HTTP collector URL; tracing is
//     disabled when unset.
//   - OTEL_SERVICE_NAME: service.name resource attribute (default "promoz").
//   - TRACE_SAMPLE_RATIO: fraction of root traces sampled, 0 to 1
//     (default "1").
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile                   = ".env"
	defaultHTTPAddr                  = ":8080"
	defaultGRPCAddr                  = ":9090"
	defaultLogLevel                  = "info"
	defaultStreamPollInterval        = time.Second
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultEventBatchSize            = 1000
	defaultCacheResyncInterval       = time.Minute
	defaultServiceName               = "promoz"
	defaultTraceSampleRatio          = 1.0
)

// Config holds the runtime configuration for the promoz server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	GRPCAddr            string
	LogLevel            string
	StreamPollInterval  time.Duration
	MaxJSONBodySize     int64
	EventBatchSize      int
	CacheResyncInterval time.Duration
	AuthRateLimit       int
	MigrateOnStart      bool
	Tracing             TracingConfig
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	Endpoint    string
	ServiceName string
	SampleRatio float64
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	if err := loadEnvFile(envOrDefault("ENV_FILE", defaultEnvFile)); err != nil {
		return Config{}, err
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	cfg := Config{
		DatabaseURL: databaseURL,
		HTTPAddr:    envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:    envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:    envOrDefault("LOG_LEVEL", defaultLogLevel),
	}

	var err error
	if cfg.StreamPollInterval, err = positiveDuration("STREAM_POLL_INTERVAL", defaultStreamPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.CacheResyncInterval, err = positiveDuration("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxJSONBodySize, err = positiveInt("MAX_JSON_BODY_SIZE", defaultMaxJSONBodySize); err != nil {
		return Config{}, err
	}

	eventBatchSize, err := positiveInt("EVENT_BATCH_SIZE", int64(defaultEventBatchSize))
	if err != nil {
		return Config{}, err
	}
	cfg.EventBatchSize = int(eventBatchSize)

	authRateLimit, err := positiveInt("AUTH_RATE_LIMIT", int64(defaultAuthRateLimit))
	if err != nil {
		return Config{}, err
	}
	cfg.AuthRateLimit = int(authRateLimit)

	if v := strings.TrimSpace(os.Getenv("MIGRATE_ON_START")); v != "" {
		cfg.MigrateOnStart, err = strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse MIGRATE_ON_START: %w", err)
		}
	}

	if cfg.Tracing, err = loadTracing(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadTracing() (TracingConfig, error) {
	tc := TracingConfig{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName: envOrDefault("OTEL_SERVICE_NAME", defaultServiceName),
		SampleRatio: defaultTraceSampleRatio,
	}

	if v := strings.TrimSpace(os.Getenv("TRACE_SAMPLE_RATIO")); v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil || !(ratio >= 0 && ratio <= 1) {
			return TracingConfig{}, errors.New("TRACE_SAMPLE_RATIO must be a number between 0 and 1")
		}
		tc.SampleRatio = ratio
	}
	return tc, nil
}

func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveInt(key string, fallback int64) (int64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}

	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
