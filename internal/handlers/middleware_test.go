package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/detect-api/internal/detection"
)

func TestWithRecover(t *testing.T) {
	h := withRequestID(withRecover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]int
		m["boom"]++ // nil map write
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/detect", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var env detection.ErrorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Success || env.Error != "internal error" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWithCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		origins    []string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"wildcard", []string{"*"}, http.MethodGet, "http://anywhere", http.StatusTeapot, "*"},
		{"listed origin", []string{"http://app.local"}, http.MethodPost, "http://app.local", http.StatusTeapot, "http://app.local"},
		{"unlisted origin", []string{"http://app.local"}, http.MethodPost, "http://evil.local", http.StatusTeapot, ""},
		{"preflight", []string{"*"}, http.MethodOptions, "http://anywhere", http.StatusNoContent, "*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/detect", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()

			withCORS(tt.origins, ok).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	old := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = old }()

	h := withRequestID(withAccessLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	const id = "0b9c3d5e-8f21-4a6b-9c7d-1e2f3a4b5c6d"
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", id)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != id {
		t.Errorf("X-Request-ID = %q, want the caller's id", got)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("access log is not JSON: %v (%q)", err, buf.String())
	}
	if entry["requestId"] != id || entry["status"] != float64(http.StatusAccepted) || entry["path"] != "/health" {
		t.Errorf("access log entry = %v", entry)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "not-a-uuid\nforged")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got == "" || got == "not-a-uuid\nforged" {
		t.Errorf("untrusted request id was echoed: %q", got)
	}
}
