package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMaskPhone(t *testing.T) {
	tests := map[string]string{
		"254712345678": "2547*****678",
		"2547":         "****",
		"":             "",
	}
	for in, want := range tests {
		if got := MaskPhone(in); got != want {
			t.Errorf("MaskPhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncateID(t *testing.T) {
	if got := TruncateID("ws_CO_191220191020363925"); got != "ws_CO_19...3925" {
		t.Errorf("unexpected truncation: %s", got)
	}
	if got := TruncateID("short"); got != "short" {
		t.Errorf("short ids must be kept, got %s", got)
	}
}

func TestFromContext_NoLogger(t *testing.T) {
	l := FromContext(context.Background())
	// Nop logger must be safe to use.
	l.Info().Msg("ignored")
}

func TestMiddleware_RequestIDAndFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "info", Format: "json", Service: "test", Output: &buf})

	var seenID string
	handler := Middleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		log := FromContext(r.Context())
		log.Info().Msg("handler.ran")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.Header.Set("X-User-ID", "42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seenID == "" || !strings.HasPrefix(seenID, "req_") {
		t.Fatalf("expected generated request id, got %q", seenID)
	}
	if rec.Header().Get("X-Request-ID") != seenID {
		t.Errorf("response header %q does not match context id %q", rec.Header().Get("X-Request-ID"), seenID)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 log lines, got %d: %s", len(lines), buf.String())
	}
	var completed map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &completed); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if completed["message"] != "request.completed" {
		t.Errorf("unexpected message %v", completed["message"])
	}
	if completed["user_id"] != "42" {
		t.Errorf("expected user_id field, got %v", completed["user_id"])
	}
	if completed["status"] != float64(http.StatusTeapot) {
		t.Errorf("expected status 418, got %v", completed["status"])
	}
}

func TestMiddleware_KeepsIncomingRequestID(t *testing.T) {
	handler := Middleware(New(Config{Output: &bytes.Buffer{}}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "upstream-1" {
		t.Errorf("expected upstream id to be propagated, got %q", rec.Header().Get("X-Request-ID"))
	}
}
