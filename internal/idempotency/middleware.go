package idempotency

import (
	"bytes"
	"net/http"
	"time"

	apierrors "github.com/campusmart/server/internal/errors"
)

const (
	// HeaderKey is the standard idempotency key header.
	HeaderKey = "Idempotency-Key"

	// DefaultTTL is how long a successful response is replayed.
	DefaultTTL = 24 * time.Hour

	// inflightTTL bounds how long a crashed request can block its key.
	inflightTTL = 2 * time.Minute
)

// responseWriter captures the status and body written by the wrapped handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Middleware replays the first successful response for a repeated Idempotency-Key.
// Keys are scoped to the caller (userHeader), method and path. A second request that
// arrives while the first is still running gets 409 instead of a duplicate STK push.
func Middleware(store Store, ttl time.Duration, userHeader string) func(http.Handler) http.Handler {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(userHeader) + ":" + r.Method + ":" + r.URL.Path + ":" + rawKey

			if cached, found := store.Get(r.Context(), key); found {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			if !store.Claim(r.Context(), key, inflightTTL) {
				apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentConflict, "a request with this Idempotency-Key is still being processed")
				return
			}

			rw := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			if rw.statusCode < 200 || rw.statusCode >= 300 {
				store.Release(r.Context(), key)
				return
			}
			headers := make(map[string]string, len(w.Header()))
			for k := range w.Header() {
				headers[k] = w.Header().Get(k)
			}
			_ = store.Set(r.Context(), key, &Response{
				StatusCode: rw.statusCode,
				Headers:    headers,
				Body:       bytes.Clone(rw.body.Bytes()),
				CachedAt:   time.Now(),
			}, ttl)
		})
	}
}
