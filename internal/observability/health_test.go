package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" || status.Service != serviceName {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestReadinessHandler(t *testing.T) {
	ok := func(ctx context.Context) (bool, error) { return true, nil }
	broken := func(ctx context.Context) (bool, error) { return false, errors.New("key missing") }

	tests := []struct {
		name     string
		checks   map[string]HealthCheckFunc
		wantCode int
		wantMsg  string
	}{
		{"all healthy", map[string]HealthCheckFunc{"gemini": ok}, http.StatusOK, ""},
		{"one failing", map[string]HealthCheckFunc{"gemini": broken, "other": ok}, http.StatusServiceUnavailable, "key missing"},
		{"no checks", nil, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d", tt.wantCode, rec.Code)
			}

			var status HealthStatus
			if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if tt.wantMsg != "" && status.Dependencies["gemini"].Message != tt.wantMsg {
				t.Errorf("Expected message %q, got %q", tt.wantMsg, status.Dependencies["gemini"].Message)
			}
		})
	}
}

func TestSessionMetrics_EndIsIdempotent(t *testing.T) {
	before := ActiveSessions()
	m := NewSessionMetrics()
	if ActiveSessions() != before+1 {
		t.Fatalf("Expected %d active sessions, got %d", before+1, ActiveSessions())
	}

	m.RecordSessionEnd()
	m.RecordSessionEnd()
	if ActiveSessions() != before {
		t.Errorf("Expected %d active sessions after end, got %d", before, ActiveSessions())
	}
}
