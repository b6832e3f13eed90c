package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheckFunc probes one dependency.
type HealthCheckFunc func(ctx context.Context) error

// HealthHandler serves the health-check endpoint with per-dependency probes.
type HealthHandler struct {
	checks map[string]HealthCheckFunc
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks maps a component name
// (e.g. "postgres", "redis", "gateway") to its probe.
func NewHealthHandler(checks map[string]HealthCheckFunc, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger}
}

// HealthCheck probes every dependency and reports per-component status. The
// response is 200 when everything passes, 503 otherwise.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
