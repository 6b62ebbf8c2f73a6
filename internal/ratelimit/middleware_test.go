package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/campusmart/server/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.GlobalEnabled {
		t.Error("Expected global rate limiting to be enabled by default")
	}
	if cfg.GlobalLimit != 1000 {
		t.Errorf("Expected global limit 1000, got %d", cfg.GlobalLimit)
	}
	if !cfg.PerUserEnabled {
		t.Error("Expected per-user rate limiting to be enabled by default")
	}
	if cfg.PerUserLimit != 60 {
		t.Errorf("Expected per-user limit 60, got %d", cfg.PerUserLimit)
	}
	if !cfg.PerIPEnabled {
		t.Error("Expected per-IP rate limiting to be enabled by default")
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.RateLimitConfig{
		PerUserEnabled: true,
		PerUserLimit:   7,
		PerUserWindow:  config.Duration{Duration: 2 * time.Second},
	}, []string{"/mpesa/"}, nil)

	if !cfg.PerUserEnabled || cfg.PerUserLimit != 7 || cfg.PerUserWindow != 2*time.Second {
		t.Errorf("per-user settings not copied: %+v", cfg)
	}
	if len(cfg.ExemptPrefixes) != 1 || cfg.ExemptPrefixes[0] != "/mpesa/" {
		t.Errorf("expected exempt prefix to be kept, got %v", cfg.ExemptPrefixes)
	}
}

func TestGlobalLimiter_Disabled(t *testing.T) {
	handler := GlobalLimiter(Config{GlobalEnabled: false})(okHandler())

	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	handler := GlobalLimiter(Config{
		GlobalEnabled: true,
		GlobalLimit:   5,
		GlobalWindow:  1 * time.Minute,
	})(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after limit exceeded, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header to be set")
	}
}

func TestUserLimiter_PerUserLimit(t *testing.T) {
	handler := UserLimiter(Config{
		PerUserEnabled: true,
		PerUserLimit:   3,
		PerUserWindow:  1 * time.Minute,
	})(okHandler())

	send := func(user string) int {
		req := httptest.NewRequest("POST", "/products/1/unlock", nil)
		req.Header.Set(UserHeader, user)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 3; i++ {
		if code := send("11"); code != http.StatusOK {
			t.Errorf("user 11 request %d: expected 200, got %d", i, code)
		}
	}
	if code := send("11"); code != http.StatusTooManyRequests {
		t.Errorf("user 11: expected 429 after limit, got %d", code)
	}
	if code := send("12"); code != http.StatusOK {
		t.Errorf("user 12: expected separate budget, got %d", code)
	}
}

func TestUserLimiter_ExemptsCallbacks(t *testing.T) {
	handler := UserLimiter(Config{
		PerUserEnabled: true,
		PerUserLimit:   1,
		PerUserWindow:  1 * time.Minute,
		ExemptPrefixes: []string{"/mpesa/callback/"},
	})(okHandler())

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("POST", "/mpesa/callback/unlock", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("callback %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestIPLimiter_EnforcesLimit(t *testing.T) {
	handler := IPLimiter(Config{
		PerIPEnabled: true,
		PerIPLimit:   2,
		PerIPWindow:  1 * time.Minute,
	})(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/products", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}
}
