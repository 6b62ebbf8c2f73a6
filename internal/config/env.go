package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the CAMPUSMART_ prefix, except the MPESA_* credentials
// which keep the names the Daraja portal documentation uses.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "CAMPUSMART_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "CAMPUSMART_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "CAMPUSMART_ADMIN_METRICS_API_KEY")
	if v := os.Getenv("CAMPUSMART_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "CAMPUSMART_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "CAMPUSMART_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "CAMPUSMART_ENVIRONMENT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "CAMPUSMART_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "CAMPUSMART_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "CAMPUSMART_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "CAMPUSMART_MONGODB_DATABASE")
	setBoolIfEnv(&c.Storage.AutoMigrate, "CAMPUSMART_STORAGE_AUTO_MIGRATE")

	// M-Pesa config
	setIfEnv(&c.Mpesa.Environment, "MPESA_ENVIRONMENT")
	setIfEnv(&c.Mpesa.BaseURL, "MPESA_BASE_URL")
	setIfEnv(&c.Mpesa.ConsumerKey, "MPESA_CONSUMER_KEY")
	setIfEnv(&c.Mpesa.ConsumerSecret, "MPESA_CONSUMER_SECRET")
	setIfEnv(&c.Mpesa.Shortcode, "MPESA_SHORTCODE")
	setIfEnv(&c.Mpesa.Passkey, "MPESA_PASSKEY")
	setIfEnv(&c.Mpesa.CallbackBaseURL, "CAMPUSMART_CALLBACK_BASE_URL")
	setDurationIfEnv(&c.Mpesa.Timeout, "MPESA_TIMEOUT")
	setIfEnv(&c.Mpesa.TokenCache.Backend, "CAMPUSMART_TOKEN_CACHE_BACKEND")
	setIfEnv(&c.Mpesa.TokenCache.RedisAddr, "CAMPUSMART_REDIS_ADDR")
	setIfEnv(&c.Mpesa.TokenCache.RedisPassword, "CAMPUSMART_REDIS_PASSWORD")
	setIntIfEnv(&c.Mpesa.TokenCache.RedisDB, "CAMPUSMART_REDIS_DB")

	// Fees config
	setInt64IfEnv(&c.Fees.ListingFee, "CAMPUSMART_LISTING_FEE")
	setInt64IfEnv(&c.Fees.UnlockFee, "CAMPUSMART_UNLOCK_FEE")
	setBoolIfEnv(&c.Fees.FreeListing, "CAMPUSMART_FREE_LISTING")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "CAMPUSMART_RATE_LIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "CAMPUSMART_RATE_LIMIT_GLOBAL_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerUserEnabled, "CAMPUSMART_RATE_LIMIT_PER_USER_ENABLED")
	setIntIfEnv(&c.RateLimit.PerUserLimit, "CAMPUSMART_RATE_LIMIT_PER_USER_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "CAMPUSMART_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "CAMPUSMART_RATE_LIMIT_PER_IP_LIMIT")

	setBoolIfEnv(&c.CircuitBreaker.Enabled, "CAMPUSMART_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setIntIfEnv sets an int pointer from an environment variable, ignoring malformed values.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*target = n
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "market" -> "/market"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
