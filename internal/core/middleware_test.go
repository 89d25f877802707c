package core

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/types"
)

func testServer(t *testing.T, logger *slog.Logger) *Server {
	t.Helper()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	}
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:            "0",
			RequestTimeout:  5 * time.Second,
			ShutdownTimeout: time.Second,
		},
	}
	s, err := NewServer(cfg, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func TestRecoverer_PanicBecomesStructured500(t *testing.T) {
	s := testServer(t, nil)
	s.Router().Get("/boom", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("recovery body is not JSON: %v\n%s", err, rec.Body.String())
	}
	if body.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("code = %q", body.Error.Code)
	}
	if strings.Contains(rec.Body.String(), "kaboom") {
		t.Errorf("panic value leaked to client: %s", rec.Body.String())
	}
}

func TestRequestID_GeneratedWhenAbsent(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Error("no request ID in context")
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Errorf("response header %q does not match context ID %q", got, seen)
	}
}

func TestRequestID_PropagatedWhenPresent(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "upstream-id-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "upstream-id-42" {
		t.Errorf("context ID = %q, want the inbound header value", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "upstream-id-42" {
		t.Errorf("echoed header = %q", got)
	}
}

func TestContextTimeout_SetsDeadline(t *testing.T) {
	var hadDeadline bool
	h := ContextTimeoutMiddleware(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !hadDeadline {
		t.Error("request context has no deadline")
	}
}

func TestSecurityHeaders_Set(t *testing.T) {
	h := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestRequestLogger_RedactsConfiguredHeaders(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestLogger(logger, []string{"Authorization"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.Header.Set("Authorization", "Bearer super-secret")
	req.Header.Set("X-Hub-Signature-256", "sha256=abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if strings.Contains(out, "super-secret") {
		t.Errorf("log leaks Authorization value: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("redaction marker missing: %s", out)
	}
	if !strings.Contains(out, "sha256=abc") {
		t.Errorf("non-sensitive header should be logged as-is: %s", out)
	}
}

func TestRequestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, `"level":"INFO"`},
		{http.StatusForbidden, `"level":"WARN"`},
		{http.StatusServiceUnavailable, `"level":"ERROR"`},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		h := RequestLogger(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		if !strings.Contains(buf.String(), tt.level) {
			t.Errorf("status %d: want %s in %s", tt.status, tt.level, buf.String())
		}
	}
}

func TestResponseCapture_DefaultsTo200OnWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	rc := &responseCapture{ResponseWriter: rec, statusCode: http.StatusOK}

	if _, err := rc.Write([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rc.statusCode != http.StatusOK {
		t.Errorf("captured status = %d", rc.statusCode)
	}

	// A later WriteHeader must not overwrite the first capture.
	rc.WriteHeader(http.StatusTeapot)
	if rc.statusCode != http.StatusOK {
		t.Errorf("first status lost, got %d", rc.statusCode)
	}
}
