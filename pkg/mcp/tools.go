package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/clearlane/confirmd/internal/store"
	"github.com/clearlane/confirmd/pkg/schema"
)

// handleSubmit runs a document through the pipeline. Synchronous by default;
// with async=true the run identity is returned immediately.
func (s *ConfirmdServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	inputLocation, err := req.RequireString("input_location")
	if err != nil {
		return mcp.NewToolResultError("input_location is required"), nil
	}
	sourceTag, err := req.RequireString("source_tag")
	if err != nil {
		return mcp.NewToolResultError("source_tag is required"), nil
	}

	sub := &schema.SubmissionRequest{
		DocumentID:    req.GetString("document_id", ""),
		InputLocation: inputLocation,
		SourceTag:     sourceTag,
		TraceID:       req.GetString("trace_id", ""),
	}

	if req.GetBool("async", false) {
		corr, runErr := s.orchestrator.ExecuteAsync(ctx, sub)
		if runErr != nil {
			return toolError("submit failed", runErr), nil
		}
		s.captureSession(ctx, corr.CorrelationID)
		return marshalResult(map[string]any{
			"accepted":       true,
			"correlation_id": corr.CorrelationID,
			"document_id":    corr.DocumentID,
			"trace_id":       corr.TraceID,
		})
	}

	result, runErr := s.orchestrator.Execute(ctx, sub)
	if runErr != nil && result == nil {
		return toolError("submit failed", runErr), nil
	}
	// A failed run still carries its full step trail; the agent decides what
	// to do with it.
	return marshalResult(result)
}

// handleStatus returns the run row plus its materialized step states.
func (s *ConfirmdServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	correlationID, err := req.RequireString("correlation_id")
	if err != nil {
		return mcp.NewToolResultError("correlation_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, correlationID)
	if getErr != nil {
		return toolError("status query failed", getErr), nil
	}
	steps, stepsErr := s.store.ListRunSteps(ctx, correlationID)
	if stepsErr != nil {
		return toolError("status query failed", stepsErr), nil
	}

	return marshalResult(map[string]any{
		"run":   run,
		"steps": steps,
	})
}

// handleResult fetches the terminal result of a finished run.
func (s *ConfirmdServer) handleResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	correlationID, err := req.RequireString("correlation_id")
	if err != nil {
		return mcp.NewToolResultError("correlation_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, correlationID)
	if getErr != nil {
		return toolError("result query failed", getErr), nil
	}

	switch run.Status {
	case schema.RunStatusCompleted, schema.RunStatusFailed:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("run %s is still %s", correlationID, run.Status)), nil
	}

	if len(run.Result) > 0 {
		return mcp.NewToolResultJSON(run.Result)
	}
	// Failed before any stage ran; the error is all there is.
	return marshalResult(map[string]any{
		"success":        false,
		"correlation_id": run.CorrelationID,
		"document_id":    run.DocumentID,
		"error":          json.RawMessage(run.Error),
	})
}

// handleQuery lists runs or a run's event log based on filters.
func (s *ConfirmdServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *ConfirmdServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if documentID, ok := filter["document_id"].(string); ok {
		rf.DocumentID = documentID
	}
	if sourceTag, ok := filter["source_tag"].(string); ok {
		rf.SourceTag = sourceTag
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *ConfirmdServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if correlationID, ok := filter["correlation_id"].(string); ok {
		ef.CorrelationID = correlationID
	}
	if stage, ok := filter["stage"].(string); ok {
		ef.Stage = stage
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.EventType = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if ef.EventType != "" {
		events, err := s.events.GetEventsByType(ctx, ef.EventType, ef)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	// No event type filter; replay the run's full log (requires correlation_id).
	if ef.CorrelationID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'correlation_id' in filter"), nil
	}
	events, err := s.events.GetEvents(ctx, ef.CorrelationID, 0)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// captureSession maps the run to the submitting MCP session so terminal
// notifications can be pushed back.
func (s *ConfirmdServer) captureSession(ctx context.Context, correlationID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(correlationID, session.SessionID())
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// toolError formats an error result, surfacing PipelineError codes.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var perr *schema.PipelineError
	if errors.As(err, &perr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, perr.Code, perr.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
