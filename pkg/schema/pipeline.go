package schema

import "time"

// CorrelationContext is the immutable per-run identity threaded through every
// stage call. Created once at run start and passed by value.
type CorrelationContext struct {
	DocumentID    string `json:"document_id"`
	CorrelationID string `json:"correlation_id"`
	TraceID       string `json:"trace_id,omitempty"`
}

// SubmissionRequest is the inbound request that starts a pipeline run.
type SubmissionRequest struct {
	DocumentID    string `json:"document_id,omitempty"`
	InputLocation string `json:"input_location"`
	SourceTag     string `json:"source_tag"`
	TraceID       string `json:"trace_id,omitempty"`
}

// StageRequest is the JSON payload POSTed to a stage service. Required keys
// (document_id, correlation_id) are always present; the rest are stage-specific.
type StageRequest map[string]any

// Keys every StageRequest carries.
const (
	RequestKeyDocumentID    = "document_id"
	RequestKeyCorrelationID = "correlation_id"
	RequestKeyTraceID       = "trace_id"
	RequestKeyInputRef      = "input_ref"
	RequestKeySourceTag     = "source_tag"
	RequestKeyFailureDetail = "failure_detail"
	RequestKeyFailedStage   = "failed_stage"
)

// WorkflowStepRecord is one entry in a run's accumulated step trail.
type WorkflowStepRecord struct {
	StepName     string     `json:"step_name"`
	Status       StepStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	ErrorSummary string     `json:"error_summary,omitempty"`
}

// WorkflowResult is the terminal artifact of a pipeline run. Created once at
// completion and immutable thereafter.
type WorkflowResult struct {
	Success          bool                 `json:"success"`
	CorrelationID    string               `json:"correlation_id"`
	DocumentID       string               `json:"document_id"`
	FailedStep       string               `json:"failed_step,omitempty"`
	Steps            []WorkflowStepRecord `json:"steps"`
	TotalDurationMs  int64                `json:"total_duration_ms"`
	FinalArtifactRef string               `json:"final_artifact_ref,omitempty"`
}
