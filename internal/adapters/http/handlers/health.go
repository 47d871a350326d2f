package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/voxguard/voxguard/internal/adapters/circuitbreaker"
)

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	Timeout time.Duration // Timeout for each individual health check
}

// DefaultHealthCheckConfig returns default health check configuration
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Timeout: 5 * time.Second,
	}
}

// Pinger is the durable store's liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerStats exposes one dependency breaker's snapshot. The speech
// adapters and the intent engine satisfy it.
type BreakerStats interface {
	Stats() circuitbreaker.Stats
}

type HealthHandler struct {
	config   HealthCheckConfig
	version  string
	db       Pinger
	breakers map[string]BreakerStats
}

// NewHealthHandler builds the liveness and readiness handler. A nil db or
// an empty breaker map simply skips those checks.
func NewHealthHandler(version string, db Pinger, breakers map[string]BreakerStats) *HealthHandler {
	return &HealthHandler{
		config:   DefaultHealthCheckConfig(),
		version:  version,
		db:       db,
		breakers: breakers,
	}
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type ReadyResponse struct {
	Status   string                   `json:"status"`
	Version  string                   `json:"version"`
	Services map[string]ServiceHealth `json:"services"`
}

type ServiceHealth struct {
	Status    string  `json:"status"`
	LatencyMs *int64  `json:"latency_ms,omitempty"`
	Breaker   string  `json:"breaker,omitempty"`
	Error     *string `json:"error,omitempty"`
}

// Healthz reports process liveness.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{Status: "ok", Version: h.version}, http.StatusOK)
}

// Readyz checks the durable store and the dependency breakers. A lost store
// fails readiness with 503. An open breaker only degrades it: breakers
// recover on their own and the pipeline keeps serving fallback turns.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := ReadyResponse{
		Version:  h.version,
		Services: make(map[string]ServiceHealth),
	}

	if h.db != nil {
		response.Services["database"] = h.checkDatabase(r.Context())
	}
	for name, src := range h.breakers {
		response.Services[name] = breakerHealth(src.Stats())
	}
	response.Status = overallStatus(response.Services)

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	respondJSON(w, response, statusCode)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceHealth {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	err := h.db.Ping(checkCtx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		return ServiceHealth{
			Status:    "unhealthy",
			LatencyMs: &latency,
			Error:     &errMsg,
		}
	}

	return ServiceHealth{
		Status:    "healthy",
		LatencyMs: &latency,
	}
}

func breakerHealth(st circuitbreaker.Stats) ServiceHealth {
	health := ServiceHealth{Breaker: st.State.String()}
	switch st.State {
	case circuitbreaker.StateClosed:
		health.Status = "healthy"
	case circuitbreaker.StateHalfOpen:
		health.Status = "degraded"
	default:
		health.Status = "unhealthy"
	}
	return health
}

// overallStatus folds per-service health into one verdict. Only the
// database is critical; everything else degrades.
func overallStatus(services map[string]ServiceHealth) string {
	status := "healthy"
	for name, service := range services {
		switch service.Status {
		case "unhealthy":
			if name == "database" {
				return "unhealthy"
			}
			status = "degraded"
		case "degraded":
			status = "degraded"
		}
	}
	return status
}
