package expressions

import (
	"sync"

	"github.com/clearlane/confirmd/pkg/schema"
)

// ScopeBuilder assembles the evaluation environments handed to the engines
// during a run. It enforces:
//   - Run identity is immutable after construction.
//   - Stage response bodies are frozen on insert (deep-copied) and append-only.
//   - A stage body may be registered exactly once.
type ScopeBuilder struct {
	mu     sync.RWMutex
	run    map[string]any // run identity, immutable after init
	bodies map[string]any // stage name -> frozen response body
	last   string         // name of the most recently added stage
}

// NewScopeBuilder creates a ScopeBuilder seeded with the run's identity.
func NewScopeBuilder(corr schema.CorrelationContext, sourceTag string) *ScopeBuilder {
	return &ScopeBuilder{
		run: map[string]any{
			"document_id":    corr.DocumentID,
			"correlation_id": corr.CorrelationID,
			"trace_id":       corr.TraceID,
			"source_tag":     sourceTag,
		},
		bodies: make(map[string]any),
	}
}

// AddStageBody registers a completed stage's response body. The body is
// frozen (deep-copied) at insertion; re-registering a stage is rejected.
func (sb *ScopeBuilder) AddStageBody(stageName string, body map[string]any) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.bodies[stageName]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"stage %q body already registered", stageName)
	}

	sb.bodies[stageName] = deepCopyValue(body)
	sb.last = stageName
	return nil
}

// TriageScope builds the CEL activation for a triage_when predicate
// evaluated after the named stage failed.
func (sb *ScopeBuilder) TriageScope(stageName string, stageIndex int, outcome map[string]any) map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return map[string]any{
		ScopeRun: sb.run,
		ScopeStage: map[string]any{
			"name":  stageName,
			"index": stageIndex,
		},
		ScopeOutcome: deepCopyValue(outcome),
	}
}

// TemplateScope builds the Expr environment for request field templates of
// the next stage: the run identity plus the prior stage's frozen body.
func (sb *ScopeBuilder) TemplateScope() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	var prior any = map[string]any{}
	if sb.last != "" {
		prior = sb.bodies[sb.last]
	}
	return map[string]any{
		ScopeRun:   sb.run,
		ScopePrior: prior,
	}
}

// StageBody returns the frozen body for a completed stage, or nil.
func (sb *ScopeBuilder) StageBody(stageName string) map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	if body, ok := sb.bodies[stageName].(map[string]any); ok {
		return body
	}
	return nil
}

// deepCopyValue recursively copies maps and slices so frozen scope data
// cannot be mutated through retained references.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = deepCopyValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = deepCopyValue(inner)
		}
		return out
	default:
		return v
	}
}
