// Package api serves the read-only status API of a running poller.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nmslite/wmipoller/internal/auth"
	"github.com/nmslite/wmipoller/internal/channels"
	"github.com/nmslite/wmipoller/internal/middleware"
	"github.com/nmslite/wmipoller/internal/poller"
)

// StatusProvider exposes poll loop snapshots. *poller.Supervisor implements it.
type StatusProvider interface {
	Statuses() []poller.Status
	Status(input string) (poller.Status, bool)
}

// StatsProvider exposes pipeline counters. *channels.Pipeline implements it.
type StatsProvider interface {
	Stats() channels.PipelineStats
}

// Dependencies are the collaborators of the API handlers
type Dependencies struct {
	Inputs   StatusProvider
	Pipeline StatsProvider
	// Auth protects /api/v1 when set
	Auth    *auth.Service
	Logger  *slog.Logger
	Version string
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger.With("component", "api")
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	healthHandler := NewHealthHandler(deps.Inputs, deps.Version)
	inputHandler := NewInputHandler(deps.Inputs, deps.Pipeline)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(middleware.JWTAuth(deps.Auth))
		}

		r.Route("/inputs", func(r chi.Router) {
			r.Get("/", inputHandler.List)
			r.Get("/{id}", inputHandler.Get)
		})
		r.Get("/pipeline", inputHandler.Pipeline)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})

	return r
}
