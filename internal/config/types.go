package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Mpesa          MpesaConfig          `yaml:"mpesa"`
	Fees           FeesConfig           `yaml:"fees"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Protects /metrics when set
	IdempotencyTTL     Duration `yaml:"idempotency_ttl"`       // How long payment initiations are replayed (default 24h)
}

// MpesaConfig holds Daraja (M-Pesa STK push) credentials and endpoints.
type MpesaConfig struct {
	Environment     string           `yaml:"environment"` // sandbox | production
	BaseURL         string           `yaml:"base_url"`    // Derived from environment when empty
	ConsumerKey     string           `yaml:"consumer_key"`
	ConsumerSecret  string           `yaml:"consumer_secret"`
	Shortcode       string           `yaml:"shortcode"`
	Passkey         string           `yaml:"passkey"`
	CallbackBaseURL string           `yaml:"callback_base_url"` // Public URL the provider posts results to
	Timeout         Duration         `yaml:"timeout"`
	TokenCache      TokenCacheConfig `yaml:"token_cache"`
}

// TokenCacheConfig controls where OAuth access tokens are cached between requests.
type TokenCacheConfig struct {
	Backend       string `yaml:"backend"` // none | redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// FeesConfig holds the fees charged through the STK push.
// All amounts are whole Kenyan shillings.
type FeesConfig struct {
	ListingFee        int64   `yaml:"listing_fee"`
	UnlockFee         int64   `yaml:"unlock_fee"`
	PremiumThreshold  int64   `yaml:"premium_threshold"`  // Product price above which the multiplier applies
	PremiumMultiplier float64 `yaml:"premium_multiplier"` // 1 keeps the unlock fee flat
	FreeListing       bool    `yaml:"free_listing"`       // Publish listings without charging the listing fee
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string             `yaml:"mongodb_url"`      // MongoDB connection string (replica set required for transactions)
	MongoDBDatabase string             `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
	AutoMigrate     bool               `yaml:"auto_migrate"` // Apply pending SQL migrations at startup
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-user rate limiting (identified by X-User-ID header)
	PerUserEnabled bool     `yaml:"per_user_enabled"`
	PerUserLimit   int      `yaml:"per_user_limit"`
	PerUserWindow  Duration `yaml:"per_user_window"`

	// Per-IP rate limiting (fallback when the user is not identified)
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	MpesaAPI BreakerServiceConfig `yaml:"mpesa_api"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
