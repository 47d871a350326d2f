package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/circuitbreaker"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error {
	return p.err
}

type fakeBreaker struct {
	stats circuitbreaker.Stats
}

func (b *fakeBreaker) Stats() circuitbreaker.Stats {
	return b.stats
}

func TestHealthHandler_Healthz(t *testing.T) {
	handler := NewHealthHandler("1.2.3", nil, nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()

	handler.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}

	var response HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", response.Status)
	}
	if response.Version != "1.2.3" {
		t.Errorf("expected version '1.2.3', got '%s'", response.Version)
	}
}

func TestHealthHandler_Readyz_NoDependencies(t *testing.T) {
	handler := NewHealthHandler("1.2.3", nil, nil)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rr := httptest.NewRecorder()

	handler.Readyz(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response ReadyResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", response.Status)
	}
	if len(response.Services) != 0 {
		t.Errorf("expected no services, got %d", len(response.Services))
	}
}

func TestHealthHandler_Readyz_DatabaseDown(t *testing.T) {
	handler := NewHealthHandler("1.2.3", &fakePinger{err: errors.New("connection refused")}, nil)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rr := httptest.NewRecorder()

	handler.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}

	var response ReadyResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", response.Status)
	}

	db, ok := response.Services["database"]
	if !ok {
		t.Fatal("expected a database service entry")
	}
	if db.Status != "unhealthy" {
		t.Errorf("expected database status 'unhealthy', got '%s'", db.Status)
	}
	if db.Error == nil || *db.Error != "connection refused" {
		t.Errorf("expected database error 'connection refused', got %v", db.Error)
	}
	if db.LatencyMs == nil {
		t.Error("expected database latency to be reported")
	}
}

func TestHealthHandler_Readyz_DatabaseHealthy(t *testing.T) {
	handler := NewHealthHandler("1.2.3", &fakePinger{}, nil)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rr := httptest.NewRecorder()

	handler.Readyz(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response ReadyResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", response.Status)
	}
	if response.Services["database"].Status != "healthy" {
		t.Errorf("expected database status 'healthy', got '%s'", response.Services["database"].Status)
	}
}

func TestHealthHandler_Readyz_OpenBreakerDegrades(t *testing.T) {
	breakers := map[string]BreakerStats{
		"recognizer": &fakeBreaker{stats: circuitbreaker.Stats{
			Name:          "recognizer",
			State:         circuitbreaker.StateOpen,
			NextAttemptAt: time.Now().Add(30 * time.Second),
		}},
		"synthesizer": &fakeBreaker{stats: circuitbreaker.Stats{
			Name:  "synthesizer",
			State: circuitbreaker.StateClosed,
		}},
	}
	handler := NewHealthHandler("1.2.3", &fakePinger{}, breakers)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rr := httptest.NewRecorder()

	handler.Readyz(rr, req)

	// An open breaker degrades readiness but does not fail it.
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response ReadyResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "degraded" {
		t.Errorf("expected status 'degraded', got '%s'", response.Status)
	}
	if got := response.Services["recognizer"]; got.Status != "unhealthy" || got.Breaker != "open" {
		t.Errorf("recognizer service = %+v, want unhealthy/open", got)
	}
	if got := response.Services["synthesizer"]; got.Status != "healthy" || got.Breaker != "closed" {
		t.Errorf("synthesizer service = %+v, want healthy/closed", got)
	}
}

func TestHealthHandler_Readyz_HalfOpenBreakerDegrades(t *testing.T) {
	breakers := map[string]BreakerStats{
		"responder": &fakeBreaker{stats: circuitbreaker.Stats{
			Name:  "responder",
			State: circuitbreaker.StateHalfOpen,
		}},
	}
	handler := NewHealthHandler("1.2.3", nil, breakers)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rr := httptest.NewRecorder()

	handler.Readyz(rr, req)

	var response ReadyResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "degraded" {
		t.Errorf("expected status 'degraded', got '%s'", response.Status)
	}
	if got := response.Services["responder"]; got.Status != "degraded" || got.Breaker != "halfOpen" {
		t.Errorf("responder service = %+v, want degraded/halfOpen", got)
	}
}
