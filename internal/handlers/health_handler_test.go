package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	"deskflow/internal/config"
)

func TestHealthHandler_Probes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.GetDefaultConfig()
	db := newHandlerTestDB(t)
	handler := NewHealthHandler(cfg, db, newTestLogger())

	r := gin.New()
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status=%d body=%s", w.Code, w.Body.String())
	}
	var health HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("expected ok, got %s", health.Status)
	}

	w = doJSON(t, r, http.MethodGet, "/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ready status=%d body=%s", w.Code, w.Body.String())
	}
	var ready ReadyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &ready); err != nil {
		t.Fatalf("unmarshal ready: %v", err)
	}
	if !ready.Ready || ready.Services["database"] != "ready" {
		t.Fatalf("unexpected readiness: %+v", ready)
	}
}

func TestHealthHandler_ReadyWithoutDatabase(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.GetDefaultConfig()
	cfg.Monitoring.HealthChecks.Database = true
	handler := NewHealthHandler(cfg, nil, newTestLogger())

	r := gin.New()
	r.GET("/ready", handler.Ready)

	w := doJSON(t, r, http.MethodGet, "/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status=%d body=%s", w.Code, w.Body.String())
	}
	var ready ReadyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &ready); err != nil {
		t.Fatalf("unmarshal ready: %v", err)
	}
	if ready.Ready || ready.Services["database"] != "not_ready" {
		t.Fatalf("unexpected readiness: %+v", ready)
	}
}

func TestHealthHandler_DatabaseCheckDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.GetDefaultConfig()
	cfg.Monitoring.HealthChecks.Database = false
	handler := NewHealthHandler(cfg, nil, newTestLogger())

	r := gin.New()
	r.GET("/ready", handler.Ready)

	w := doJSON(t, r, http.MethodGet, "/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ready status=%d body=%s", w.Code, w.Body.String())
	}
}
