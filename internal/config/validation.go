package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Mpesa.Environment == "" {
		c.Mpesa.Environment = "sandbox"
	}
	if c.Mpesa.BaseURL == "" {
		switch c.Mpesa.Environment {
		case "production":
			c.Mpesa.BaseURL = ProductionBaseURL
		default:
			c.Mpesa.BaseURL = SandboxBaseURL
		}
	}
	c.Mpesa.BaseURL = strings.TrimSuffix(c.Mpesa.BaseURL, "/")
	c.Mpesa.CallbackBaseURL = strings.TrimSuffix(c.Mpesa.CallbackBaseURL, "/")
	if c.Mpesa.Timeout.Duration <= 0 {
		c.Mpesa.Timeout = Duration{Duration: 30 * time.Second}
	}
	if c.Mpesa.TokenCache.Backend == "" {
		c.Mpesa.TokenCache.Backend = "none"
	}
	if c.Fees.PremiumMultiplier == 0 {
		c.Fees.PremiumMultiplier = 1
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	// M-Pesa validation
	if c.Mpesa.ConsumerKey == "" {
		errs = append(errs, "mpesa.consumer_key is required")
	}
	if c.Mpesa.ConsumerSecret == "" {
		errs = append(errs, "mpesa.consumer_secret is required")
	}
	if c.Mpesa.Shortcode == "" {
		errs = append(errs, "mpesa.shortcode is required")
	}
	if c.Mpesa.Passkey == "" {
		errs = append(errs, "mpesa.passkey is required")
	}
	switch c.Mpesa.Environment {
	case "sandbox", "production":
	default:
		errs = append(errs, fmt.Sprintf("mpesa.environment must be 'sandbox' or 'production', got %q", c.Mpesa.Environment))
	}
	if c.Mpesa.CallbackBaseURL == "" {
		errs = append(errs, "mpesa.callback_base_url is required")
	} else if err := validateHTTPURL(c.Mpesa.CallbackBaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("mpesa.callback_base_url: %v", err))
	}
	if err := validateHTTPURL(c.Mpesa.BaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("mpesa.base_url: %v", err))
	}
	switch c.Mpesa.TokenCache.Backend {
	case "none":
	case "redis":
		if c.Mpesa.TokenCache.RedisAddr == "" {
			errs = append(errs, "mpesa.token_cache.redis_addr is required when backend is 'redis'")
		}
	default:
		errs = append(errs, fmt.Sprintf("mpesa.token_cache.backend must be 'none' or 'redis', got %q", c.Mpesa.TokenCache.Backend))
	}

	// Fees validation
	if c.Fees.ListingFee <= 0 {
		errs = append(errs, "fees.listing_fee must be positive")
	}
	if c.Fees.UnlockFee <= 0 {
		errs = append(errs, "fees.unlock_fee must be positive")
	}
	if c.Fees.PremiumMultiplier < 1 {
		errs = append(errs, "fees.premium_multiplier must be at least 1")
	}

	// Storage validation
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when backend is 'mongodb'")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be 'memory', 'postgres', or 'mongodb', got %q", c.Storage.Backend))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return errors.New("missing scheme")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
