package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func healthCheck(t *testing.T, s *Server) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body is not JSON: %v\n%s", err, rec.Body.String())
	}
	return rec, body
}

func TestHandleHealth_NoProbes(t *testing.T) {
	s := testServer(t, nil)

	rec, body := healthCheck(t, s)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body.Status != "healthy" {
		t.Errorf("status field = %q", body.Status)
	}
}

func TestHandleHealth_AllProbesPass(t *testing.T) {
	s := testServer(t, nil)
	s.HealthProbes = []HealthProbe{
		NewProbe("database", func(context.Context) error { return nil }),
		NewProbe("queue", func(context.Context) error { return nil }),
	}

	rec, body := healthCheck(t, s)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	for _, name := range []string{"database", "queue"} {
		if body.Components[name].Status != "healthy" {
			t.Errorf("%s = %+v", name, body.Components[name])
		}
	}
}

func TestHandleHealth_OneProbeFails(t *testing.T) {
	s := testServer(t, nil)
	s.HealthProbes = []HealthProbe{
		NewProbe("database", func(context.Context) error { return nil }),
		NewProbe("queue", func(context.Context) error { return errors.New("connection refused") }),
	}

	rec, body := healthCheck(t, s)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if body.Status != "unhealthy" {
		t.Errorf("status field = %q", body.Status)
	}
	if body.Components["database"].Status != "healthy" {
		t.Errorf("database = %+v", body.Components["database"])
	}
	q := body.Components["queue"]
	if q.Status != "unhealthy" || q.Message != "connection refused" {
		t.Errorf("queue = %+v", q)
	}
}

func TestHandleHealth_PanickingProbeIsUnhealthy(t *testing.T) {
	s := testServer(t, nil)
	s.HealthProbes = []HealthProbe{
		NewProbe("database", func(context.Context) error { panic("pool closed") }),
	}

	rec, body := healthCheck(t, s)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if body.Components["database"].Status != "unhealthy" {
		t.Errorf("database = %+v", body.Components["database"])
	}
}

func TestHandleHealth_SlowProbeTimesOut(t *testing.T) {
	s := testServer(t, nil)
	s.HealthProbes = []HealthProbe{
		NewProbe("database", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	}

	rec, body := healthCheck(t, s)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if body.Components["database"].Status != "unhealthy" {
		t.Errorf("database = %+v", body.Components["database"])
	}
}
