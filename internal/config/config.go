package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はサーバー・ワーカー・マイグレーションの設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseDriver string
	DatabaseURL    string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Rate Limit（req/min/client）
	RateLimitGeneral int
	RateLimitWrite   int
	TrustProxy       bool

	// Stream
	StreamBufferSize int

	// Filter
	SchemaCacheSize int

	// Cleanup
	CleanupRetentionDays int
	CleanupInterval      time.Duration

	// Logging
	LogLevel string
}

// ClientConfig は tail などサーバーに接続するコマンドの設定を保持する。
type ClientConfig struct {
	ServerURL string
	PageSize  int

	RequestTimeout     time.Duration
	BreakerMaxFailures int
	BreakerTimeout     time.Duration

	StreamBufferSize int
	SchemaCacheSize  int

	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.DatabaseDriver = strings.ToLower(getEnvString("DATABASE_DRIVER", "postgres"))
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER: %q", cfg.DatabaseDriver)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 600)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 120)
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.StreamBufferSize = getEnvInt("STREAM_BUFFER_SIZE", 256)
	cfg.SchemaCacheSize = getEnvInt("SCHEMA_CACHE_SIZE", 512)
	cfg.CleanupRetentionDays = getEnvInt("CLEANUP_RETENTION_DAYS", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if cfg.RateLimitGeneral <= 0 || cfg.RateLimitWrite <= 0 {
		return nil, fmt.Errorf("rate limits must be positive: general=%d write=%d", cfg.RateLimitGeneral, cfg.RateLimitWrite)
	}
	if cfg.CleanupInterval <= 0 {
		return nil, fmt.Errorf("CLEANUP_INTERVAL must be positive: %s", cfg.CleanupInterval)
	}

	return cfg, nil
}

// LoadClient は環境変数からClientConfigを読み込む。
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL:          strings.TrimRight(getEnvString("CARDSYNC_SERVER_URL", "http://localhost:8080"), "/"),
		PageSize:           getEnvInt("PAGE_SIZE", 30),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		BreakerMaxFailures: getEnvInt("BREAKER_MAX_FAILURES", 5),
		BreakerTimeout:     getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),
		StreamBufferSize:   getEnvInt("STREAM_BUFFER_SIZE", 256),
		SchemaCacheSize:    getEnvInt("SCHEMA_CACHE_SIZE", 512),
		LogLevel:           getEnvString("LOG_LEVEL", "info"),
	}

	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return nil, fmt.Errorf("CARDSYNC_SERVER_URL must be an http(s) URL: %q", cfg.ServerURL)
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("PAGE_SIZE must be positive: %d", cfg.PageSize)
	}
	if cfg.BreakerMaxFailures <= 0 {
		return nil, fmt.Errorf("BREAKER_MAX_FAILURES must be positive: %d", cfg.BreakerMaxFailures)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
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
