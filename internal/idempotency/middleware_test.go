package idempotency

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const userHeader = "X-User-ID"

func countingHandler(calls *int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, n)
	})
}

func send(h http.Handler, path, user, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"phone":"0712345678"}`))
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	var calls int32
	h := Middleware(store, time.Hour, userHeader)(countingHandler(&calls, http.StatusAccepted))

	send(h, "/products/1/unlock", "7", "")
	send(h, "/products/1/unlock", "7", "")

	if calls != 2 {
		t.Errorf("expected handler to run twice without a key, ran %d", calls)
	}
}

func TestMiddleware_ReplaysSuccess(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	var calls int32
	h := Middleware(store, time.Hour, userHeader)(countingHandler(&calls, http.StatusAccepted))

	first := send(h, "/products/1/unlock", "7", "abc")
	second := send(h, "/products/1/unlock", "7", "abc")

	if calls != 1 {
		t.Fatalf("expected a single handler run, got %d", calls)
	}
	if second.Code != http.StatusAccepted {
		t.Errorf("expected replayed 202, got %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body %q differs from original %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Error("expected replay header")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Error("expected original headers to be replayed")
	}
}

func TestMiddleware_ScopesKeysByUserAndPath(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	var calls int32
	h := Middleware(store, time.Hour, userHeader)(countingHandler(&calls, http.StatusAccepted))

	send(h, "/products/1/unlock", "7", "abc")
	send(h, "/products/1/unlock", "8", "abc")
	send(h, "/products/2/unlock", "7", "abc")

	if calls != 3 {
		t.Errorf("expected distinct users and paths to miss the cache, got %d runs", calls)
	}
}

func TestMiddleware_FailuresAreNotCached(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	var calls int32
	h := Middleware(store, time.Hour, userHeader)(countingHandler(&calls, http.StatusBadGateway))

	send(h, "/listings", "7", "abc")
	second := send(h, "/listings", "7", "abc")

	if calls != 2 {
		t.Errorf("expected retry after failure to reach the handler, got %d runs", calls)
	}
	if second.Header().Get("X-Idempotency-Replay") != "" {
		t.Error("failure must not be replayed")
	}
}

func TestMiddleware_ConcurrentDuplicateConflicts(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusAccepted)
	})
	h := Middleware(store, time.Hour, userHeader)(slow)

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- send(h, "/listings", "7", "abc") }()
	<-entered

	dup := send(h, "/listings", "7", "abc")
	if dup.Code != http.StatusConflict {
		t.Errorf("expected 409 for in-flight duplicate, got %d", dup.Code)
	}
	if !strings.Contains(dup.Body.String(), "payment_conflict") {
		t.Errorf("expected payment_conflict error body, got %s", dup.Body.String())
	}

	close(release)
	if first := <-done; first.Code != http.StatusAccepted {
		t.Errorf("expected original request to finish with 202, got %d", first.Code)
	}
}
