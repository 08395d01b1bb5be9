// Package config loads runtime settings from the environment.
// ENV_STATE selects the profile (dev|prod|test); dev resets target tables
// on every run, prod evolves them additively.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Profile names accepted in ENV_STATE.
const (
	EnvDev  = "dev"
	EnvProd = "prod"
	EnvTest = "test"
)

// DefaultBatchSize bounds reader batches and writer sub-batches.
const DefaultBatchSize = 1000

// Settings is the process-wide configuration. Load it once at startup and
// inject it; nothing in the pipeline reads the environment directly.
type Settings struct {
	EnvState    string
	DriverName  string
	DatabaseURL string
	BatchSize   int
	LogLevel    slog.Level

	// SourcesPath points at the YAML source catalog.
	SourcesPath string

	// NotifyWebhookURL receives the processing summary when set.
	NotifyWebhookURL string

	// Serve-mode settings.
	ListenAddr    string
	APIKey        string
	ScheduleTick  time.Duration
	ReaperEnabled bool

	// Raw-page archiving (optional). Archiving is enabled when
	// ArchiveS3Endpoint is non-empty.
	ArchiveS3Endpoint  string
	ArchiveS3AccessKey string
	ArchiveS3SecretKey string
	ArchiveS3Bucket    string
	ArchiveS3UseSSL    bool
}

// Load reads settings from the environment, applying defaults.
func Load() (*Settings, error) {
	s := &Settings{
		EnvState:           envString("ENV_STATE", EnvDev),
		DriverName:         envString("DRIVERNAME", "postgresql"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		BatchSize:          envInt("BATCH_SIZE", DefaultBatchSize),
		LogLevel:           parseLogLevel(envString("LOG_LEVEL", "info")),
		SourcesPath:        envString("SOURCES_PATH", "sources.yaml"),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		ListenAddr:         envString("LISTEN_ADDR", "127.0.0.1:8080"),
		APIKey:             os.Getenv("API_KEY"),
		ScheduleTick:       envDuration("SCHEDULE_TICK", 30*time.Second),
		ReaperEnabled:      os.Getenv("REAPER_ENABLED") != "false",
		ArchiveS3Endpoint:  os.Getenv("ARCHIVE_S3_ENDPOINT"),
		ArchiveS3AccessKey: os.Getenv("ARCHIVE_S3_ACCESS_KEY"),
		ArchiveS3SecretKey: os.Getenv("ARCHIVE_S3_SECRET_KEY"),
		ArchiveS3Bucket:    envString("ARCHIVE_S3_BUCKET", "apiloader-raw"),
		ArchiveS3UseSSL:    os.Getenv("ARCHIVE_S3_USE_SSL") == "true",
	}

	switch s.EnvState {
	case EnvDev, EnvProd, EnvTest:
	default:
		return nil, fmt.Errorf("ENV_STATE=%q: must be dev, prod, or test", s.EnvState)
	}
	if s.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE=%d: must be positive", s.BatchSize)
	}
	return s, nil
}

// DevReset reports whether target tables should be dropped before creation.
func (s *Settings) DevReset() bool { return s.EnvState == EnvDev }

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// envString reads a string from an environment variable, returning
// defaultVal if unset.
func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an integer from an environment variable, returning defaultVal
// if unset or invalid.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return n
}

// envDuration reads a Go duration from an environment variable, returning
// defaultVal if unset or invalid.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return d
}
