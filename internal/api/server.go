package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/clearlane/confirmd/internal/engine"
	"github.com/clearlane/confirmd/internal/store"
	"github.com/clearlane/confirmd/internal/streaming"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store        store.Store
	Orchestrator *engine.Orchestrator
	Events       *store.EventLog
	Hub          streaming.EventHub
	Logger       *slog.Logger
}

// Server exposes the run API: submission, inspection, and live streaming.
type Server struct {
	deps Deps
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Runs.
	mux.HandleFunc("POST /api/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleGetRunEvents)
	mux.HandleFunc("GET /api/documents/{id}/run", s.handleGetRunByDocument)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	// Health.
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}
