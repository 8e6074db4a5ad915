// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("drop.config")

// Blob backends.
const (
	BackendFS    = "fs"
	BackendMinio = "minio"
	BackendS3    = "s3"
)

// Config holds all runtime configuration for the service.
type Config struct {
	Addr string

	// DatabaseURL selects Postgres when set, SQLite at SQLitePath otherwise.
	DatabaseURL string
	SQLitePath  string

	BlobBackend string
	StorageDir  string

	// MinIO and S3.
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	Bucket      string

	// MaxUploadBytes of 0 means unlimited.
	MaxUploadBytes int64
	KeyAttempts    int
	// RateLimit is requests per minute per client IP for each route group.
	RateLimit   int
	RateWindow  time.Duration
	CORSOrigins []string
	// TrustProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Only enable behind a proxy that sets them.
	TrustProxy bool

	LogLevel  string
	LogFormat string
	Env       string

	Version string
	Commit  string
}

// UsePostgres reports whether the metadata store is networked Postgres.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// IsProduction returns true when DROP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads a .env file if present, then the environment, and validates
// the result. All problems are reported together.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debugf("no .env file found, reading from environment")
	}

	v := NewValidator()

	cfg := &Config{
		Addr:        getenvDefault("DROP_ADDR", ":3000"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenvDefault("DROP_SQLITE_PATH", "./db.db"),
		BlobBackend: getenvDefault("DROP_BLOB_BACKEND", BackendFS),
		StorageDir:  getenvDefault("DROP_STORAGE_DIR", "./storage"),
		S3Endpoint:  os.Getenv("DROP_S3_ENDPOINT"),
		S3AccessKey: os.Getenv("DROP_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("DROP_S3_SECRET_KEY"),
		S3Region:    getenvDefault("DROP_S3_REGION", "us-east-1"),
		Bucket:      os.Getenv("DROP_BUCKET"),
		RateWindow:  time.Minute,
		CORSOrigins: splitList(getenvDefault("DROP_CORS_ORIGINS", "*")),
		LogLevel:    getenvDefault("DROP_LOG_LEVEL", "info"),
		LogFormat:   os.Getenv("DROP_LOG_FORMAT"),
		Env:         getenvDefault("DROP_ENV", "development"),
		Version:     getenvDefault("DROP_VERSION", "dev"),
		Commit:      getenvDefault("DROP_COMMIT", "unknown"),
	}

	cfg.MaxUploadBytes = v.Int64("DROP_MAX_UPLOAD_BYTES", getenvDefault("DROP_MAX_UPLOAD_BYTES", "0"), 0)
	cfg.KeyAttempts = int(v.Int64("DROP_KEY_ATTEMPTS", getenvDefault("DROP_KEY_ATTEMPTS", "5"), 1))
	cfg.RateLimit = int(v.Int64("DROP_RATE_LIMIT", getenvDefault("DROP_RATE_LIMIT", "60"), 1))
	cfg.TrustProxy = v.Bool("DROP_TRUST_PROXY", getenvDefault("DROP_TRUST_PROXY", "false"))

	v.ValidatePort("DROP_ADDR", cfg.Addr)
	if cfg.UsePostgres() &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		v.AddError("DATABASE_URL", "must be a valid PostgreSQL connection string")
	}
	if !cfg.UsePostgres() && cfg.SQLitePath == "" {
		v.AddError("DROP_SQLITE_PATH", "required when DATABASE_URL is not set")
	}

	v.ValidateEnum("DROP_BLOB_BACKEND", cfg.BlobBackend, []string{BackendFS, BackendMinio, BackendS3})
	switch cfg.BlobBackend {
	case BackendMinio:
		v.Required("DROP_S3_ENDPOINT", cfg.S3Endpoint)
		v.Required("DROP_S3_ACCESS_KEY", cfg.S3AccessKey)
		v.Required("DROP_S3_SECRET_KEY", cfg.S3SecretKey)
		v.Required("DROP_BUCKET", cfg.Bucket)
	case BackendS3:
		v.Required("DROP_BUCKET", cfg.Bucket)
		if strings.Contains(cfg.S3Endpoint, "://") {
			v.ValidateURL("DROP_S3_ENDPOINT", cfg.S3Endpoint)
		}
	}

	v.ValidateEnum("DROP_LOG_FORMAT", cfg.LogFormat, []string{"", "json", "text"})
	v.ValidateEnum("DROP_LOG_LEVEL", cfg.LogLevel, []string{"trace", "debug", "info", "warn", "warning", "error"})
	v.ValidateEnum("DROP_ENV", cfg.Env, []string{"development", "production", "staging", "test"})

	if v.HasErrors() {
		return nil, errors.New(v.ErrorString())
	}
	return cfg, nil
}

// getenvDefault reads an environment variable and returns def if it is unset
// or empty.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Int64 parses value as an integer no smaller than min, recording an error
// and returning min otherwise.
func (v *Validator) Int64(key, value string, min int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		v.AddError(key, "must be a valid integer")
		return min
	}
	if n < min {
		v.AddError(key, "must be at least "+strconv.FormatInt(min, 10))
		return min
	}
	return n
}

// Bool parses value with strconv.ParseBool, recording an error and
// returning false otherwise.
func (v *Validator) Bool(key, value string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		v.AddError(key, "must be true or false")
		return false
	}
	return b
}
