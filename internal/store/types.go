package store

import (
	"encoding/json"
	"time"

	"github.com/clearlane/confirmd/pkg/schema"
)

// Run is the persisted representation of one pipeline run, keyed by
// correlation ID.
type Run struct {
	CorrelationID string           `json:"correlation_id"`
	DocumentID    string           `json:"document_id"`
	TraceID       string           `json:"trace_id,omitempty"`
	SourceTag     string           `json:"source_tag"`
	InputLocation string           `json:"input_location"`
	Status        schema.RunStatus `json:"status"`
	FailedStage   string           `json:"failed_stage,omitempty"`
	Result        json.RawMessage  `json:"result,omitempty"`
	Error         json.RawMessage  `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// RunStep is the materialized state of one stage invocation within a run.
type RunStep struct {
	CorrelationID string            `json:"correlation_id"`
	StepName      string            `json:"step_name"`
	Status        schema.StepStatus `json:"status"`
	AttemptCount  int               `json:"attempt_count"`
	HTTPStatus    int               `json:"http_status,omitempty"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	ErrorSummary  string            `json:"error_summary,omitempty"`
	ArtifactRef   string            `json:"artifact_ref,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	DurationMs    int64             `json:"duration_ms,omitempty"`
}

// RunEvent is an immutable entry in the per-run event log.
type RunEvent struct {
	ID            int64           `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Stage         string          `json:"stage,omitempty"`
	Type          string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Sequence      int64           `json:"sequence"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status     *schema.RunStatus `json:"status,omitempty"`
	DocumentID string            `json:"document_id,omitempty"`
	SourceTag  string            `json:"source_tag,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	FailedStage *string           `json:"failed_stage,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing run events.
type EventFilter struct {
	CorrelationID string     `json:"correlation_id,omitempty"`
	Stage         string     `json:"stage,omitempty"`
	EventType     string     `json:"event_type,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}
