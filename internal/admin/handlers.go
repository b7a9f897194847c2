// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-vtpm.
//
// go-vtpm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.


package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
	"github.com/jeremyhahn/go-vtpm/pkg/health"
	"github.com/jeremyhahn/go-vtpm/pkg/ratelimit"
)

type handlers struct {
	device  Device
	health  *health.Checker
	limiter *ratelimit.Limiter
	version string
	logger  *slog.Logger
}

// HealthCheckResponse is the body of the health endpoints.
type HealthCheckResponse struct {
	Status  health.Status        `json:"status"`
	Message string               `json:"message,omitempty"`
	Checks  []health.CheckResult `json:"checks,omitempty"`
}

// DeviceResponse is the body of GET /api/v1/device.
type DeviceResponse struct {
	device.State
	CommandPermitted bool   `json:"command_permitted"`
	Version          string `json:"version"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// healthHandler reports readiness in a single status for simple probes.
func (h *handlers) healthHandler(w http.ResponseWriter, r *http.Request) {
	h.readinessHandler(w, r)
}

// livenessHandler handles GET /health/live.
//
// Liveness only fails when the process is wedged; an unpowered device is
// still alive.
func (h *handlers) livenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		h.writeJSON(w, HealthCheckResponse{Status: health.StatusHealthy, Message: "Service is alive"}, http.StatusOK)
		return
	}

	result := h.health.Live(r.Context())
	h.writeJSON(w, HealthCheckResponse{Status: result.Status, Message: result.Message}, probeCode(result.Status))
}

// readinessHandler handles GET /health/ready. A degraded device (powered
// off or NV off) still answers 200 since the harness drives those states.
func (h *handlers) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		h.writeJSON(w, HealthCheckResponse{Status: health.StatusHealthy, Message: "Service is ready"}, http.StatusOK)
		return
	}

	results := h.health.Ready(r.Context())
	overall := health.AggregateStatus(results)

	resp := HealthCheckResponse{Status: overall, Checks: results}
	switch overall {
	case health.StatusHealthy:
		resp.Message = "All checks passed"
	case health.StatusDegraded:
		resp.Message = "Service is degraded"
	case health.StatusUnhealthy:
		resp.Message = "One or more checks failed"
	}
	h.writeJSON(w, resp, probeCode(overall))
}

// startupHandler handles GET /health/startup.
func (h *handlers) startupHandler(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		h.writeJSON(w, HealthCheckResponse{Status: health.StatusHealthy, Message: "Service has started"}, http.StatusOK)
		return
	}

	result := h.health.Startup(r.Context())
	h.writeJSON(w, HealthCheckResponse{Status: result.Status, Message: result.Message}, probeCode(result.Status))
}

func (h *handlers) deviceHandler(w http.ResponseWriter, r *http.Request) {
	state := h.device.Snapshot()
	h.writeJSON(w, DeviceResponse{
		State:            state,
		CommandPermitted: state.CommandPermitted(),
		Version:          h.version,
	}, http.StatusOK)
}

func (h *handlers) rateLimitHandler(w http.ResponseWriter, r *http.Request) {
	if h.limiter == nil {
		h.writeJSON(w, map[string]interface{}{"enabled": false}, http.StatusOK)
		return
	}
	h.writeJSON(w, h.limiter.Stats(), http.StatusOK)
}

func probeCode(status health.Status) int {
	if status == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// writeJSON writes a JSON response with the given status code.
func (h *handlers) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", slog.Any("error", err))
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: statusCode})
}
