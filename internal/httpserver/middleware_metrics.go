package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/campusmart/server/internal/errors"
)

// adminMetricsAuth protects /metrics with a bearer key.
// If no key is configured, the endpoint is accessible without authentication.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		expected := []byte("Bearer " + apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), expected) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid or missing admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
