package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunTimedOut  = "run_timed_out"
	EventRunTriaging  = "run_triaging"
	EventRunReaped    = "run_reaped"

	EventStageStarted      = "stage_started"
	EventStageSucceeded    = "stage_succeeded"
	EventStageFailed       = "stage_failed"
	EventStageSkipped      = "stage_skipped"
	EventStageRetryAttempt = "stage_retry_attempt"

	EventCircuitBreakerOpen   = "circuit_breaker_open"
	EventArtifactExtracted    = "artifact_extracted"
	EventTriageRouted         = "triage_routed"
	EventResponseSchemaFailed = "response_schema_failed"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusTriaging  RunStatus = "triaging"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StepStatus represents the lifecycle state of a pipeline step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// ErrorKind classifies the failure mode of a stage invocation.
type ErrorKind string

const (
	ErrKindTimeout                ErrorKind = "timeout"
	ErrKindTransport              ErrorKind = "transport_error"
	ErrKindAuth                   ErrorKind = "auth_failure"
	ErrKindClient                 ErrorKind = "client_error"
	ErrKindServer                 ErrorKind = "server_error"
	ErrKindCredentialsUnavailable ErrorKind = "credentials_unavailable"
	ErrKindPipelineTimeout        ErrorKind = "pipeline_timeout"
)

// Retryable reports whether an outcome with this kind may be reattempted.
// Client-side defects (4xx, auth, missing credentials) never self-resolve.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTimeout, ErrKindTransport, ErrKindServer:
		return true
	default:
		return false
	}
}
