package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWrap_SetsRequestIDHeader_WhenMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Wrap(testLogger(), "testsvc", mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	if got := rec.Header().Get("X-Request-Id"); got == "" {
		t.Fatalf("expected X-Request-Id response header")
	}
}

func TestWrap_PreservesRequestIDHeader_WhenProvided(t *testing.T) {
	var seen string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusConflict, "environment_locked", "busy")
	})
	h := Wrap(testLogger(), "testsvc", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "rid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	seen = body["request_id"]
	if seen != "rid-123" || body["error"] != "environment_locked" || body["message"] != "busy" {
		t.Fatalf("unexpected error body: %v", body)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d, want 409", rec.Code)
	}
}

func TestWrap_RecoversPanic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Wrap(testLogger(), "testsvc", mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
}

func TestReadyzWithChecks(t *testing.T) {
	ok := ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }}
	slow := ReadinessCheck{Name: "minio", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	failing := ReadinessCheck{Name: "bucket", Check: func(context.Context) error { return errors.New("missing") }}

	cases := []struct {
		name   string
		checks []ReadinessCheck
		status int
		state  string
	}{
		{"all ok", []ReadinessCheck{ok}, http.StatusOK, `"status":"ready"`},
		{"one failing", []ReadinessCheck{ok, failing}, http.StatusServiceUnavailable, `"status":"not_ready"`},
		{"timeout", []ReadinessCheck{slow}, http.StatusServiceUnavailable, `"error":"context deadline exceeded"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := ReadyzWithChecks("testsvc", 20*time.Millisecond, tc.checks...)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))
			if rec.Code != tc.status {
				t.Fatalf("status=%d, want %d", rec.Code, tc.status)
			}
			if !strings.Contains(rec.Body.String(), tc.state) {
				t.Fatalf("expected %s in response: %s", tc.state, rec.Body.String())
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Service: "x", Addr: ":1", ShutdownTimeout: time.Second}).Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if err := (Config{Service: "x", ShutdownTimeout: time.Second}).Validate(); err == nil {
		t.Fatalf("expected missing addr error")
	}
}
