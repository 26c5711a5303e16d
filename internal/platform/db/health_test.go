package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHealthHandler_NoPool(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(nil)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "disabled" {
		t.Errorf("expected status disabled, got %v", body["status"])
	}
}

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("connection refused") }

func TestRunChecks(t *testing.T) {
	tests := []struct {
		name   string
		checks []Check
		want   string
	}{
		{"no checks", nil, "ready"},
		{"all up", []Check{{Name: "store", Critical: true, Probe: ok}, {Name: "cache", Probe: ok}}, "ready"},
		{"optional down", []Check{{Name: "store", Critical: true, Probe: ok}, {Name: "cache", Probe: fail}}, "degraded"},
		{"critical down", []Check{{Name: "store", Critical: true, Probe: fail}, {Name: "cache", Probe: fail}}, "unready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, results := RunChecks(context.Background(), tt.checks)
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if len(results) != len(tt.checks) {
				t.Errorf("expected %d results, got %d", len(tt.checks), len(results))
			}
		})
	}
}

func TestReadinessHandler_Unready(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := ReadinessHandler(Check{Name: "ledger", Critical: true, Probe: fail})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var body struct {
		Status string                 `json:"status"`
		Checks map[string]CheckResult `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["ledger"].Error != "connection refused" {
		t.Errorf("expected ledger error, got %+v", body.Checks["ledger"])
	}
}

func TestReadinessHandler_Degraded(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/ready", nil), rec)

	h := ReadinessHandler(Check{Name: "store", Critical: true, Probe: ok}, Check{Name: "cache", Probe: fail})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when only optional checks fail, got %d", rec.Code)
	}
}
