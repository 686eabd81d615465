package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/clearlane/confirmd/internal/store"
	"github.com/clearlane/confirmd/pkg/schema"
)

// handleSubmitRun starts a pipeline run. Synchronous by default: the response
// is the terminal WorkflowResult. With ?async=true the run is started in the
// background and 202 returns the correlation identity.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req schema.SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if r.URL.Query().Get("async") == "true" {
		corr, err := s.deps.Orchestrator.ExecuteAsync(ctx, &req)
		if err != nil {
			s.writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, corr)
		return
	}

	result, err := s.deps.Orchestrator.Execute(ctx, &req)
	if err != nil {
		if result != nil {
			// The run started and terminated failed; the trail is the answer.
			writeJSON(w, http.StatusOK, result)
			return
		}
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListRuns lists runs with optional status/document/source filters.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.RunFilter{
		DocumentID: q.Get("document_id"),
		SourceTag:  q.Get("source_tag"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := q.Get("status"); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since timestamp: %v", err))
			return
		}
		filter.Since = &since
	}

	runs, err := s.deps.Store.ListRuns(ctx, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun returns one run with its materialized step states.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := r.PathValue("id")

	run, err := s.deps.Store.GetRun(ctx, correlationID)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	steps, err := s.deps.Store.ListRunSteps(ctx, correlationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list run steps: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":   run,
		"steps": steps,
	})
}

// handleGetRunEvents returns the run's event log, optionally from a sequence.
func (s *Server) handleGetRunEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := r.PathValue("id")

	since := int64(queryInt(r, "since", 0))
	events, err := s.deps.Events.GetEvents(ctx, correlationID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get events: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleGetRunByDocument returns the latest run for a document.
func (s *Server) handleGetRunByDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := r.PathValue("id")

	run, err := s.deps.Store.GetRunByDocument(ctx, documentID)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleHealthz reports liveness and the run pool counters.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pool":   s.deps.Orchestrator.PoolMetrics(),
	})
}

// writePipelineError maps a PipelineError code to an HTTP status.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var perr *schema.PipelineError
	if !errors.As(err, &perr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch perr.Code {
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict:
		status = http.StatusConflict
	case schema.ErrCodePipelineTimeout, schema.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, map[string]any{
		"error":   perr.Message,
		"code":    perr.Code,
		"stage":   perr.Stage,
		"details": perr.Details,
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
