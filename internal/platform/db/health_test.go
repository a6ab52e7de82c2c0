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

func runHealth(t *testing.T, checks ...HealthCheck) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(checks...)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestHealthHandler_AllHealthy(t *testing.T) {
	rec, body := runHealth(t,
		HealthCheck{Name: "directory", Ping: func(context.Context) error { return nil }},
		HealthCheck{Name: "tenants", Stats: func() interface{} { return map[string]int{"entries": 3} }},
	)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	tenants, ok := body["tenants"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected tenants section, got %v", body["tenants"])
	}
	if tenants["stats"] == nil {
		t.Error("expected stats in tenants section")
	}
}

func TestHealthHandler_FailingPing(t *testing.T) {
	rec, body := runHealth(t,
		HealthCheck{Name: "directory", Ping: func(context.Context) error { return errors.New("connection refused") }},
	)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	section := body["directory"].(map[string]interface{})
	if section["healthy"] != false {
		t.Error("expected directory to be unhealthy")
	}
	if section["error"] != "connection refused" {
		t.Errorf("unexpected error text %v", section["error"])
	}
}
