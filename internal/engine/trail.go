package engine

import (
	"time"

	"github.com/clearlane/confirmd/pkg/schema"
)

// maxErrorSummary bounds the error text carried in step records.
const maxErrorSummary = 512

// Trail accumulates the ordered step records of one run and produces the
// immutable terminal result. Records appear strictly in invocation order;
// stages never reached leave no record at all.
type Trail struct {
	corr      schema.CorrelationContext
	startedAt time.Time
	steps     []schema.WorkflowStepRecord
}

// NewTrail starts a trail for the given run identity.
func NewTrail(corr schema.CorrelationContext, startedAt time.Time) *Trail {
	return &Trail{corr: corr, startedAt: startedAt}
}

// Begin appends a running record for a stage and returns its index.
func (t *Trail) Begin(stageName string, at time.Time) int {
	t.steps = append(t.steps, schema.WorkflowStepRecord{
		StepName:  stageName,
		Status:    schema.StepStatusRunning,
		StartedAt: at,
	})
	return len(t.steps) - 1
}

// Finish marks the record at idx terminal with the outcome details.
func (t *Trail) Finish(idx int, status schema.StepStatus, attempts int, errSummary string, at time.Time) {
	if idx < 0 || idx >= len(t.steps) {
		return
	}
	rec := &t.steps[idx]
	rec.Status = status
	rec.AttemptCount = attempts
	rec.ErrorSummary = truncateSummary(errSummary)
	ended := at
	rec.EndedAt = &ended
}

// Skip appends a skipped record, used for a configured triage stage that a
// pipeline timeout prevented from running.
func (t *Trail) Skip(stageName string, at time.Time) {
	ended := at
	t.steps = append(t.steps, schema.WorkflowStepRecord{
		StepName:  stageName,
		Status:    schema.StepStatusSkipped,
		StartedAt: at,
		EndedAt:   &ended,
	})
}

// Steps returns a copy of the accumulated records.
func (t *Trail) Steps() []schema.WorkflowStepRecord {
	out := make([]schema.WorkflowStepRecord, len(t.steps))
	copy(out, t.steps)
	return out
}

// Result seals the trail into the run's terminal result.
func (t *Trail) Result(success bool, failedStep, finalArtifactRef string, endedAt time.Time) *schema.WorkflowResult {
	return &schema.WorkflowResult{
		Success:          success,
		CorrelationID:    t.corr.CorrelationID,
		DocumentID:       t.corr.DocumentID,
		FailedStep:       failedStep,
		Steps:            t.Steps(),
		TotalDurationMs:  endedAt.Sub(t.startedAt).Milliseconds(),
		FinalArtifactRef: finalArtifactRef,
	}
}

func truncateSummary(s string) string {
	if len(s) <= maxErrorSummary {
		return s
	}
	return s[:maxErrorSummary] + "..."
}
