package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/campusmart/server/internal/config"
	"github.com/campusmart/server/internal/metrics"
)

// UserHeader identifies the calling user.
const UserHeader = "X-User-ID"

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool
	GlobalLimit   int           // requests per window
	GlobalWindow  time.Duration // time window

	// Per-user rate limiting (identified by X-User-ID)
	PerUserEnabled bool
	PerUserLimit   int
	PerUserWindow  time.Duration

	// Per-IP rate limiting (fallback when the user is not identified)
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Path prefixes skipped by the per-user and per-IP limiters. Provider callbacks
	// arrive unauthenticated from a small set of addresses and must not be throttled.
	ExemptPrefixes []string

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// rateLimitResponse represents the JSON error response for rate limit exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns sensible default rate limits.
func DefaultConfig() Config {
	return Config{
		// Global: 1000 req/min - prevents DoS
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		// Per-user: 60 req/min - stops a client hammering STK pushes or status polls
		PerUserEnabled: true,
		PerUserLimit:   60,
		PerUserWindow:  1 * time.Minute,

		// Per-IP: 120 req/min - fallback for anonymous requests
		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

// ConfigFrom converts the application config into limiter settings.
func ConfigFrom(cfg config.RateLimitConfig, exempt []string, m *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:  cfg.GlobalEnabled,
		GlobalLimit:    cfg.GlobalLimit,
		GlobalWindow:   cfg.GlobalWindow.Duration,
		PerUserEnabled: cfg.PerUserEnabled,
		PerUserLimit:   cfg.PerUserLimit,
		PerUserWindow:  cfg.PerUserWindow.Duration,
		PerIPEnabled:   cfg.PerIPEnabled,
		PerIPLimit:     cfg.PerIPLimit,
		PerIPWindow:    cfg.PerIPWindow.Duration,
		ExemptPrefixes: exempt,
		Metrics:        m,
	}
}

// createRateLimitHandler creates a standardized rate limit handler function.
func createRateLimitHandler(
	limitType string,
	windowSeconds int,
	extractIdentifier func(*http.Request) string,
	metricsCollector *metrics.Metrics,
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}

		metricsCollector.ObserveRateLimit(limitType, identifier)

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_user":
			if identifier != "all" {
				message = fmt.Sprintf("Rate limit exceeded for user %s. Please try again later.", identifier)
			} else {
				message = "Rate limit exceeded. Please try again later."
			}
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// exempting skips limiter for requests under any of the exempt prefixes.
func exempting(prefixes []string, limiter func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if len(prefixes) == 0 {
		return limiter
	}
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range prefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(
			createRateLimitHandler("global", int(cfg.GlobalWindow.Seconds()), nil, cfg.Metrics),
		),
	)
}

// UserLimiter creates a per-user rate limiter middleware keyed by X-User-ID.
// Anonymous requests fall back to the caller IP.
func UserLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerUserEnabled {
		return passthrough
	}
	return exempting(cfg.ExemptPrefixes, httprate.Limit(
		cfg.PerUserLimit,
		cfg.PerUserWindow,
		httprate.WithKeyFuncs(userKeyExtractor),
		httprate.WithLimitHandler(
			createRateLimitHandler("per_user", int(cfg.PerUserWindow.Seconds()), userFromRequest, cfg.Metrics),
		),
	))
}

// IPLimiter creates a per-IP rate limiter middleware.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}
	return exempting(cfg.ExemptPrefixes, httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			createRateLimitHandler("per_ip", int(cfg.PerIPWindow.Seconds()), func(r *http.Request) string { return r.RemoteAddr }, cfg.Metrics),
		),
	))
}

func userKeyExtractor(r *http.Request) (string, error) {
	user := userFromRequest(r)
	if user == "" {
		return httprate.KeyByIP(r)
	}
	return "user:" + user, nil
}

func userFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}
