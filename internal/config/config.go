// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/livephoto-api/internal/library"
)

// Static errors for configuration validation.
var (
	// ErrInvalidPort is returned when PORT is outside 1-65535.
	ErrInvalidPort = errors.New("config: PORT must be between 1 and 65535")
	// ErrInvalidAuthorization is returned for an unknown LIBRARY_AUTHORIZATION value.
	ErrInvalidAuthorization = errors.New("config: LIBRARY_AUTHORIZATION must be authorized, denied, restricted or not-determined")
	// ErrInvalidConcurrency is returned when MAX_CONCURRENT_JOBS is not positive.
	ErrInvalidConcurrency = errors.New("config: MAX_CONCURRENT_JOBS must be positive")
	// ErrS3RegionRequired is returned when S3_BUCKET is set without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required when S3_BUCKET is set")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port            int           `env:"PORT, default=8080" json:"port"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, default=30s" json:"shutdown_timeout"`

	// Library root for local resources
	LibraryDir string `env:"LIBRARY_DIR, default=/var/lib/livephoto" json:"library_dir"`

	// Library access
	LibraryAuthorization  string `env:"LIBRARY_AUTHORIZATION, default=not-determined" json:"library_authorization"`
	LibraryGrantOnRequest bool   `env:"LIBRARY_GRANT_ON_REQUEST, default=true" json:"library_grant_on_request"`

	// Processing settings
	MaxConcurrentJobs int    `env:"MAX_CONCURRENT_JOBS, default=2" json:"max_concurrent_jobs"`
	FFprobePath       string `env:"FFPROBE_PATH" json:"ffprobe_path,omitempty"`

	// Optional Postgres catalog
	DatabaseURL      string `env:"DATABASE_URL" json:"-"` // Masked in JSON
	DatabaseMaxConns int32  `env:"DATABASE_MAX_CONNS, default=4" json:"database_max_conns"`

	// Optional Redis locks
	RedisAddr     string `env:"REDIS_ADDR" json:"redis_addr,omitempty"`
	RedisPassword string `env:"REDIS_PASSWORD" json:"-"` // Masked in JSON
	RedisDB       int    `env:"REDIS_DB, default=0" json:"redis_db"`

	// Optional S3 resource storage
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3Prefix           string `env:"S3_PREFIX" json:"s3_prefix,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 resource storage is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// PostgresEnabled returns true if the Postgres catalog is configured.
func (c *Config) PostgresEnabled() bool {
	return c.DatabaseURL != ""
}

// RedisEnabled returns true if Redis locks are configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// Authorization returns the configured library authorization status.
func (c *Config) Authorization() library.AuthorizationStatus {
	return library.AuthorizationStatus(c.LibraryAuthorization)
}

// Load reads .env files, if present, and then the process environment.
// Variables already set in the environment take precedence over .env.
// With no paths, ".env" in the working directory is used.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", p, err)
		}
	}

	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and combinations.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if _, err := library.ParseAuthorizationStatus(c.LibraryAuthorization); err != nil {
		return ErrInvalidAuthorization
	}
	if c.MaxConcurrentJobs <= 0 {
		return ErrInvalidConcurrency
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return ErrS3RegionRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs; otherwise text.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// String returns a string representation of the config with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, LibraryDir: %s, LibraryAuthorization: %s, MaxConcurrentJobs: %d, Database: %s, RedisAddr: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.LibraryDir,
		c.LibraryAuthorization,
		c.MaxConcurrentJobs,
		mask(c.DatabaseURL),
		c.RedisAddr,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
