package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// SandboxBaseURL is the Daraja sandbox host.
	SandboxBaseURL = "https://sandbox.safaricom.co.ke"
	// ProductionBaseURL is the Daraja production host.
	ProductionBaseURL = "https://api.safaricom.co.ke"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    Duration{Duration: 15 * time.Second},
			WriteTimeout:   Duration{Duration: 45 * time.Second},
			IdleTimeout:    Duration{Duration: 60 * time.Second},
			IdempotencyTTL: Duration{Duration: 24 * time.Hour},
		},
		Storage: StorageConfig{
			Backend:         "memory",
			MongoDBDatabase: "campusmart",
		},
		Mpesa: MpesaConfig{
			Environment: "sandbox",
			Shortcode:   "174379",
			Timeout:     Duration{Duration: 30 * time.Second},
			TokenCache: TokenCacheConfig{
				Backend:   "none",
				KeyPrefix: "campusmart:mpesa:token",
			},
		},
		Fees: FeesConfig{
			ListingFee:        10,
			UnlockFee:         5,
			PremiumThreshold:  10000,
			PremiumMultiplier: 1,
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:  true,
			GlobalLimit:    1000,
			GlobalWindow:   Duration{Duration: 1 * time.Minute},
			PerUserEnabled: true,
			PerUserLimit:   30,
			PerUserWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:   true,
			PerIPLimit:     120,
			PerIPWindow:    Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			MpesaAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
