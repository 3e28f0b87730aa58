package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nmslite/wmipoller/internal/channels"
	"github.com/nmslite/wmipoller/internal/middleware"
	"github.com/nmslite/wmipoller/internal/poller"
)

// InputHandler serves poll loop status
type InputHandler struct {
	inputs   StatusProvider
	pipeline StatsProvider
}

// NewInputHandler creates a new input handler
func NewInputHandler(inputs StatusProvider, pipeline StatsProvider) *InputHandler {
	return &InputHandler{inputs: inputs, pipeline: pipeline}
}

// InputListResponse is the body of GET /api/v1/inputs
type InputListResponse struct {
	Inputs   []poller.Status         `json:"inputs"`
	Total    int                     `json:"total"`
	Pipeline *channels.PipelineStats `json:"pipeline,omitempty"`
}

// List handles GET /api/v1/inputs
func (h *InputHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses := h.inputs.Statuses()
	resp := InputListResponse{
		Inputs: statuses,
		Total:  len(statuses),
	}
	if h.pipeline != nil {
		stats := h.pipeline.Stats()
		resp.Pipeline = &stats
	}
	sendJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/inputs/{id}
func (h *InputHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, ok := h.inputs.Status(id)
	if !ok {
		middleware.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Input not found", map[string]string{"id": id})
		return
	}
	sendJSON(w, http.StatusOK, status)
}

// Pipeline handles GET /api/v1/pipeline
func (h *InputHandler) Pipeline(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		middleware.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Pipeline not configured", nil)
		return
	}
	sendJSON(w, http.StatusOK, h.pipeline.Stats())
}
