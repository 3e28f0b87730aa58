package api

import (
	"net/http"
	"time"

	"github.com/nmslite/wmipoller/internal/poller"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	inputs  StatusProvider
	version string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(inputs StatusProvider, version string) *HealthHandler {
	return &HealthHandler{inputs: inputs, version: version}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health (liveness probe)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Timestamp: time.Now(),
	})
}

// Ready handles GET /ready. The poller is ready once every input has
// registered and none has stopped; a faulted input is still ready since it
// recovers on its own.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	for _, s := range h.inputs.Statuses() {
		checks[s.Input] = s.State.String()
		if s.State == poller.StateInit || s.State == poller.StateStopped {
			ready = false
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	sendJSON(w, code, ReadinessResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
	})
}
