// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all federation server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Share service database
	DatabaseURL string

	// Local filesystem backend
	LocalRoot string

	// S3 backend, registered only when the bucket is set
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Service names the drivers register under; the first one is the
	// primary service for enumeration.
	LocalService string
	S3Service    string

	// Auth
	JWTSecret string

	// TLS, used when both files are set
	TLSCertFile string
	TLSKeyFile  string

	// Search
	SearchParallelism int
	SecondaryTimeout  time.Duration

	// Uploads
	MaxUploadSize int64
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		LocalRoot:         envOr("LOCAL_ROOT", "/data/storage"),
		S3Endpoint:        envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:          envOr("S3_BUCKET", ""),
		S3AccessKey:       envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:       envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		LocalService:      envOr("LOCAL_SERVICE", "localfs"),
		S3Service:         envOr("S3_SERVICE", "s3drive"),
		JWTSecret:         envOr("JWT_SECRET", ""),
		TLSCertFile:       envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:        envOr("TLS_KEY_FILE", ""),
		SearchParallelism: envInt("SEARCH_PARALLELISM", 8),
		SecondaryTimeout:  envDuration("SECONDARY_TIMEOUT", 3*time.Second),
		MaxUploadSize:     envInt64("MAX_UPLOAD_SIZE", 100*1024*1024),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
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
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
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
