package expressions

import "context"

// Engine evaluates expressions against pipeline run data.
// Three implementations: CEL (triage predicates), GoJQ (artifact extraction),
// Expr (request field templates).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope keys available to every engine. The orchestrator populates these
// before evaluating stage-level expressions.
const (
	ScopeRun     = "run"     // document_id, correlation_id, trace_id, source_tag
	ScopeStage   = "stage"   // name, index
	ScopeOutcome = "outcome" // error_kind, http_status, attempt_count, detail
	ScopePrior   = "prior"   // previous stage's response body
	ScopeBody    = "body"    // current stage's response body
)
