package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearlane/confirmd/internal/config"
	"github.com/clearlane/confirmd/internal/expressions"
	"github.com/clearlane/confirmd/internal/logging"
	"github.com/clearlane/confirmd/internal/stage"
	"github.com/clearlane/confirmd/internal/store"
	"github.com/clearlane/confirmd/internal/streaming"
	"github.com/clearlane/confirmd/internal/validation"
	"github.com/clearlane/confirmd/pkg/schema"
)

const defaultPipelineTimeout = 10 * time.Minute

// compiledStage is a main-sequence stage with its invocation spec resolved and
// its expressions ready for evaluation.
type compiledStage struct {
	spec          stage.Spec
	index         int
	artifactQuery string
	requestFields map[string]string
	routeToTriage bool
	triageWhen    string
}

// Orchestrator drives pipeline runs: one submission becomes one run, executed
// as a strict sequence of signed stage calls with the output artifact of each
// stage feeding the input_ref of the next. All state changes flow through the
// FSMs so the event log stays the authoritative record.
type Orchestrator struct {
	store     store.Store
	events    EventAppender
	hub       streaming.EventHub
	invoker   *stage.Invoker
	validator *validation.Validator
	cel       *expressions.CELEngine
	jq        *expressions.GoJQEngine
	tmpl      *expressions.ExprEngine
	runFSM    *RunFSM
	stepFSM   *StepFSM
	pool      *RunPool
	logger    *slog.Logger

	pipelineTimeout time.Duration
	stages          []compiledStage
	triage          *compiledStage

	// active guards at-most-once execution per document within this process.
	mu     sync.Mutex
	active map[string]string // document_id -> correlation_id
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Store     store.Store
	Events    EventAppender
	Hub       streaming.EventHub
	Invoker   *stage.Invoker
	Validator *validation.Validator
	CEL       *expressions.CELEngine
	JQ        *expressions.GoJQEngine
	Templates *expressions.ExprEngine
	Logger    *slog.Logger
}

// NewOrchestrator resolves the configured pipeline into an executable stage
// sequence. Response schemas and the pipeline shape are validated here so a
// config defect fails at startup, not mid-run.
func NewOrchestrator(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	o := &Orchestrator{
		store:           deps.Store,
		events:          deps.Events,
		hub:             deps.Hub,
		invoker:         deps.Invoker,
		validator:       deps.Validator,
		cel:             deps.CEL,
		jq:              deps.JQ,
		tmpl:            deps.Templates,
		runFSM:          NewRunFSM(deps.Events),
		stepFSM:         NewStepFSM(deps.Events),
		pool:            NewRunPool(cfg.Pipeline.MaxConcurrentRuns),
		logger:          deps.Logger,
		pipelineTimeout: config.Duration(cfg.Pipeline.Timeout, defaultPipelineTimeout),
		active:          make(map[string]string),
	}

	for i, sc := range cfg.MainStages() {
		compiled, err := o.compileStage(sc, i)
		if err != nil {
			return nil, err
		}
		o.stages = append(o.stages, *compiled)
	}
	if len(o.stages) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline has no main-sequence stages")
	}

	if tc := cfg.TriageStageConfig(); tc != nil {
		compiled, err := o.compileStage(*tc, len(o.stages))
		if err != nil {
			return nil, err
		}
		o.triage = compiled
	}

	return o, nil
}

func (o *Orchestrator) compileStage(sc config.StageConfig, index int) (*compiledStage, error) {
	responseSchema, err := o.validator.CompileResponseSchema(sc.Name, sc.ResponseSchema)
	if err != nil {
		return nil, err
	}

	query := sc.ArtifactQuery
	if query == "" {
		query = expressions.DefaultArtifactQuery
	}

	return &compiledStage{
		spec: stage.Spec{
			Name:           sc.Name,
			Endpoint:       sc.Endpoint,
			Timeout:        config.Duration(sc.Timeout, 0),
			MaxAttempts:    sc.MaxAttempts,
			BackoffBase:    config.Duration(sc.BackoffBase, 0),
			ResponseSchema: responseSchema,
		},
		index:         index,
		artifactQuery: query,
		requestFields: sc.RequestFields,
		routeToTriage: sc.RouteToTriage || sc.TriageWhen != "",
		triageWhen:    sc.TriageWhen,
	}, nil
}

// Execute runs a submission synchronously: it validates, registers the run,
// waits for a pool slot, and drives the pipeline to a terminal state. The
// returned WorkflowResult is non-nil whenever a run actually started.
func (o *Orchestrator) Execute(ctx context.Context, req *schema.SubmissionRequest) (*schema.WorkflowResult, error) {
	rc, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	type runResult struct {
		result *schema.WorkflowResult
		err    error
	}
	done := make(chan runResult, 1)

	if err := o.pool.Submit(ctx, func(ctx context.Context) error {
		result, runErr := o.run(ctx, rc)
		done <- runResult{result, runErr}
		return runErr
	}); err != nil {
		o.release(rc.corr.DocumentID)
		return nil, err
	}

	res := <-done
	return res.result, res.err
}

// ExecuteAsync starts a run in the background and returns its identity
// immediately. The run is detached from the caller's cancellation but keeps
// its values, so correlation attributes survive in logs.
func (o *Orchestrator) ExecuteAsync(ctx context.Context, req *schema.SubmissionRequest) (schema.CorrelationContext, error) {
	rc, err := o.prepare(ctx, req)
	if err != nil {
		return schema.CorrelationContext{}, err
	}

	if err := o.pool.Submit(ctx, func(ctx context.Context) error {
		_, runErr := o.run(context.WithoutCancel(ctx), rc)
		return runErr
	}); err != nil {
		o.release(rc.corr.DocumentID)
		return schema.CorrelationContext{}, err
	}

	return rc.corr, nil
}

// Shutdown stops accepting runs and waits for in-flight runs to finish.
func (o *Orchestrator) Shutdown() {
	o.pool.Shutdown()
}

// PoolMetrics exposes the run pool's counters.
func (o *Orchestrator) PoolMetrics() PoolMetrics {
	return o.pool.Metrics()
}

// runContext is the prepared state of an accepted submission.
type runContext struct {
	corr      schema.CorrelationContext
	sourceTag string
	inputRef  string
}

// prepare validates the submission, enforces at-most-once per document, and
// persists the pending run row.
func (o *Orchestrator) prepare(ctx context.Context, req *schema.SubmissionRequest) (*runContext, error) {
	if err := o.validator.ValidateSubmission(req); err != nil {
		return nil, err
	}

	corr := schema.CorrelationContext{
		DocumentID:    req.DocumentID,
		CorrelationID: uuid.NewString(),
		TraceID:       req.TraceID,
	}
	if corr.DocumentID == "" {
		corr.DocumentID = uuid.NewString()
	}
	if corr.TraceID == "" {
		corr.TraceID = uuid.NewString()
	}

	o.mu.Lock()
	if existing, busy := o.active[corr.DocumentID]; busy {
		o.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"document %s already has an active run", corr.DocumentID).
			WithDetails(map[string]any{"correlation_id": existing})
	}
	o.active[corr.DocumentID] = corr.CorrelationID
	o.mu.Unlock()

	// A non-terminal run surviving a restart also blocks resubmission until
	// the stale-run reaper fails it.
	if prev, err := o.store.GetRunByDocument(ctx, corr.DocumentID); err == nil && prev != nil {
		switch prev.Status {
		case schema.RunStatusPending, schema.RunStatusRunning, schema.RunStatusTriaging:
			o.release(corr.DocumentID)
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"document %s already has an active run", corr.DocumentID).
				WithDetails(map[string]any{"correlation_id": prev.CorrelationID})
		}
	}

	run := &store.Run{
		CorrelationID: corr.CorrelationID,
		DocumentID:    corr.DocumentID,
		TraceID:       corr.TraceID,
		SourceTag:     req.SourceTag,
		InputLocation: req.InputLocation,
		Status:        schema.RunStatusPending,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		o.release(corr.DocumentID)
		return nil, err
	}

	return &runContext{
		corr:      corr,
		sourceTag: req.SourceTag,
		inputRef:  req.InputLocation,
	}, nil
}

func (o *Orchestrator) release(documentID string) {
	o.mu.Lock()
	delete(o.active, documentID)
	o.mu.Unlock()
}

// run drives one prepared run to a terminal state.
func (o *Orchestrator) run(ctx context.Context, rc *runContext) (*schema.WorkflowResult, error) {
	defer o.release(rc.corr.DocumentID)

	ctx = logging.WithIDs(ctx, rc.corr.CorrelationID, rc.corr.DocumentID, "")
	start := time.Now().UTC()

	if err := o.transitionRun(ctx, rc, schema.RunStatusPending, schema.RunStatusRunning, nil); err != nil {
		o.failRunRecordWithResult(ctx, rc, "", asPipelineError(err, ""), nil, schema.RunStatusPending)
		return nil, err
	}
	if err := o.store.UpdateRun(ctx, rc.corr.CorrelationID, store.RunUpdate{
		Status:    statusPtr(schema.RunStatusRunning),
		StartedAt: &start,
	}); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "run started",
		slog.String("source_tag", rc.sourceTag),
		slog.String("input_location", rc.inputRef),
	)

	runCtx, cancel := context.WithTimeout(ctx, o.pipelineTimeout)
	defer cancel()

	scope := expressions.NewScopeBuilder(rc.corr, rc.sourceTag)
	trail := NewTrail(rc.corr, start)

	for i := range o.stages {
		st := &o.stages[i]
		outcome, perr := o.runStage(runCtx, rc, st, trail, scope)
		if perr == nil {
			continue
		}

		if isPipelineTimeout(runCtx, outcome) {
			return o.finishTimedOut(ctx, rc, st, trail)
		}
		return o.finishFailed(ctx, runCtx, rc, st, outcome, trail, scope, perr)
	}

	return o.finishCompleted(ctx, rc, trail)
}

// runStage executes one main-sequence stage, recording its step lifecycle.
// A nil error means the stage succeeded and rc.inputRef now points at its
// output artifact.
func (o *Orchestrator) runStage(ctx context.Context, rc *runContext, st *compiledStage, trail *Trail, scope *expressions.ScopeBuilder) (stage.Outcome, *schema.PipelineError) {
	stageCtx := logging.WithStage(ctx, st.spec.Name)

	idx := trail.Begin(st.spec.Name, time.Now().UTC())
	if err := o.beginStep(stageCtx, rc, st.spec.Name); err != nil {
		return stage.Outcome{}, asPipelineError(err, st.spec.Name)
	}

	req, terr := o.buildRequest(stageCtx, rc, st, scope)
	if terr != nil {
		outcome := stage.Outcome{
			ErrorKind:   schema.ErrKindClient,
			ErrorDetail: terr.Message,
		}
		o.finishStep(stageCtx, rc, st, trail, idx, outcome, "")
		return outcome, terr
	}

	outcome := o.invoker.Invoke(stageCtx, st.spec, req)

	if outcome.Succeeded {
		artifactRef, aerr := o.jq.ExtractString(stageCtx, st.artifactQuery, outcome.Body)
		if aerr != nil {
			// The producing stage is charged with the contract violation.
			outcome.Succeeded = false
			outcome.ErrorKind = schema.ErrKindClient
			outcome.ErrorDetail = "artifact extraction failed: " + aerr.Error()
			o.finishStep(stageCtx, rc, st, trail, idx, outcome, "")
			return outcome, asPipelineError(aerr, st.spec.Name)
		}

		if err := scope.AddStageBody(st.spec.Name, outcome.Body); err != nil {
			o.logger.WarnContext(stageCtx, "stage body already registered", slog.String("error", err.Error()))
		}

		o.appendStageEvent(stageCtx, rc, st.spec.Name, schema.EventArtifactExtracted, map[string]any{
			"artifact_ref": artifactRef,
		})
		o.finishStep(stageCtx, rc, st, trail, idx, outcome, artifactRef)
		rc.inputRef = artifactRef
		return outcome, nil
	}

	// A run-deadline expiry mid-attempt may surface as a transport kind from
	// the invoker; reclassify before it is recorded.
	if outcome.ErrorKind != schema.ErrKindPipelineTimeout &&
		errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome.ErrorKind = schema.ErrKindPipelineTimeout
		outcome.ErrorDetail = "run deadline exceeded during stage call"
	}

	o.finishStep(stageCtx, rc, st, trail, idx, outcome, "")
	return outcome, outcomeError(st.spec.Name, outcome)
}

// buildRequest assembles the stage's JSON payload: the fixed correlation keys
// plus any configured template fields.
func (o *Orchestrator) buildRequest(ctx context.Context, rc *runContext, st *compiledStage, scope *expressions.ScopeBuilder) (schema.StageRequest, *schema.PipelineError) {
	req := schema.StageRequest{
		schema.RequestKeyDocumentID:    rc.corr.DocumentID,
		schema.RequestKeyCorrelationID: rc.corr.CorrelationID,
		schema.RequestKeyTraceID:       rc.corr.TraceID,
		schema.RequestKeyInputRef:      rc.inputRef,
		schema.RequestKeySourceTag:     rc.sourceTag,
	}

	if len(st.requestFields) == 0 {
		return req, nil
	}

	env := scope.TemplateScope()
	for key, expression := range st.requestFields {
		val, err := o.tmpl.Evaluate(ctx, expression, env)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeClient,
				"request field %q template failed: %s", key, err.Error()).
				WithStage(st.spec.Name).WithCause(err)
		}
		req[key] = val
	}
	return req, nil
}

// finishFailed routes a terminal stage failure through triage (when the
// stage's predicate matches) and records the run as failed.
func (o *Orchestrator) finishFailed(ctx, runCtx context.Context, rc *runContext, st *compiledStage, outcome stage.Outcome, trail *Trail, scope *expressions.ScopeBuilder, perr *schema.PipelineError) (*schema.WorkflowResult, error) {
	from := schema.RunStatusRunning

	if o.shouldTriage(ctx, rc, st, outcome, scope) {
		if err := o.transitionRun(ctx, rc, schema.RunStatusRunning, schema.RunStatusTriaging, nil); err == nil {
			from = schema.RunStatusTriaging
			_ = o.store.UpdateRun(ctx, rc.corr.CorrelationID, store.RunUpdate{
				Status: statusPtr(schema.RunStatusTriaging),
			})
			o.runTriage(runCtx, rc, st, outcome, trail, scope)
		} else {
			o.logger.ErrorContext(ctx, "triage transition failed", slog.String("error", err.Error()))
		}
	}

	result := trail.Result(false, st.spec.Name, "", time.Now().UTC())
	o.failRunRecordWithResult(ctx, rc, st.spec.Name, perr, result, from)
	return result, perr
}

// finishTimedOut records a pipeline-timeout termination: the in-flight stage
// already carries the pipeline_timeout record, no later stage gets a record,
// and a configured triage stage is recorded skipped rather than invoked.
func (o *Orchestrator) finishTimedOut(ctx context.Context, rc *runContext, st *compiledStage, trail *Trail) (*schema.WorkflowResult, error) {
	if o.triage != nil {
		now := time.Now().UTC()
		trail.Skip(o.triage.spec.Name, now)
		if err := o.stepFSM.Transition(ctx, rc.corr.CorrelationID, o.triage.spec.Name,
			schema.StepStatusPending, schema.StepStatusSkipped, nil); err != nil {
			o.logger.WarnContext(ctx, "record skipped triage step", slog.String("error", err.Error()))
		}
		_ = o.store.UpsertRunStep(ctx, &store.RunStep{
			CorrelationID: rc.corr.CorrelationID,
			StepName:      o.triage.spec.Name,
			Status:        schema.StepStatusSkipped,
			StartedAt:     &now,
			EndedAt:       &now,
		})
		o.publish(ctx, rc, o.triage.spec.Name, schema.EventStageSkipped, nil)
	}

	o.appendStageEvent(ctx, rc, st.spec.Name, schema.EventRunTimedOut, map[string]any{
		"timeout": o.pipelineTimeout.String(),
	})

	perr := schema.NewErrorf(schema.ErrCodePipelineTimeout,
		"pipeline timeout of %s exceeded", o.pipelineTimeout).WithStage(st.spec.Name)
	result := trail.Result(false, st.spec.Name, "", time.Now().UTC())
	o.failRunRecordWithResult(ctx, rc, st.spec.Name, perr, result, schema.RunStatusRunning)
	return result, perr
}

func (o *Orchestrator) finishCompleted(ctx context.Context, rc *runContext, trail *Trail) (*schema.WorkflowResult, error) {
	end := time.Now().UTC()
	result := trail.Result(true, "", rc.inputRef, end)

	payload, _ := json.Marshal(map[string]any{
		"final_artifact_ref": result.FinalArtifactRef,
		"total_duration_ms":  result.TotalDurationMs,
	})
	if err := o.transitionRun(ctx, rc, schema.RunStatusRunning, schema.RunStatusCompleted, payload); err != nil {
		return result, err
	}

	resultJSON, _ := json.Marshal(result)
	if err := o.store.UpdateRun(ctx, rc.corr.CorrelationID, store.RunUpdate{
		Status:      statusPtr(schema.RunStatusCompleted),
		Result:      resultJSON,
		CompletedAt: &end,
	}); err != nil {
		return result, err
	}

	o.publish(ctx, rc, "", schema.EventRunCompleted, map[string]any{
		"final_artifact_ref": result.FinalArtifactRef,
	})
	o.logger.InfoContext(ctx, "run completed",
		slog.String("final_artifact_ref", result.FinalArtifactRef),
		slog.Int64("total_duration_ms", result.TotalDurationMs),
	)
	return result, nil
}

// shouldTriage decides whether the failed stage routes to the triage stage.
// Routing requires the stage to be marked routable; the triage_when predicate,
// when present, narrows routing further. A predicate that itself fails to
// evaluate is treated as false.
func (o *Orchestrator) shouldTriage(ctx context.Context, rc *runContext, st *compiledStage, outcome stage.Outcome, scope *expressions.ScopeBuilder) bool {
	if o.triage == nil || !st.routeToTriage {
		return false
	}
	if st.triageWhen == "" {
		return true
	}

	routed, err := o.cel.EvaluateBool(ctx, st.triageWhen, scope.TriageScope(st.spec.Name, st.index, map[string]any{
		"error_kind":    string(outcome.ErrorKind),
		"http_status":   outcome.HTTPStatus,
		"attempt_count": outcome.AttemptCount,
		"detail":        outcome.ErrorDetail,
	}))
	if err != nil {
		o.logger.ErrorContext(ctx, "triage predicate failed",
			slog.String("stage", st.spec.Name),
			slog.String("error", err.Error()),
		)
		return false
	}
	return routed
}

// runTriage invokes the triage stage with the failure context. Triage is
// best-effort: its own outcome is recorded but never changes the run's fate.
func (o *Orchestrator) runTriage(ctx context.Context, rc *runContext, failed *compiledStage, outcome stage.Outcome, trail *Trail, scope *expressions.ScopeBuilder) {
	tr := o.triage
	stageCtx := logging.WithStage(ctx, tr.spec.Name)

	o.appendStageEvent(stageCtx, rc, tr.spec.Name, schema.EventTriageRouted, map[string]any{
		"failed_stage": failed.spec.Name,
		"error_kind":   string(outcome.ErrorKind),
	})
	o.publish(stageCtx, rc, tr.spec.Name, schema.EventTriageRouted, map[string]any{
		"failed_stage": failed.spec.Name,
	})

	idx := trail.Begin(tr.spec.Name, time.Now().UTC())
	if err := o.beginStep(stageCtx, rc, tr.spec.Name); err != nil {
		o.logger.WarnContext(stageCtx, "begin triage step", slog.String("error", err.Error()))
		return
	}

	req := schema.StageRequest{
		schema.RequestKeyDocumentID:    rc.corr.DocumentID,
		schema.RequestKeyCorrelationID: rc.corr.CorrelationID,
		schema.RequestKeyTraceID:       rc.corr.TraceID,
		schema.RequestKeyInputRef:      rc.inputRef,
		schema.RequestKeySourceTag:     rc.sourceTag,
		schema.RequestKeyFailedStage:   failed.spec.Name,
		schema.RequestKeyFailureDetail: map[string]any{
			"error_kind":    string(outcome.ErrorKind),
			"http_status":   outcome.HTTPStatus,
			"attempt_count": outcome.AttemptCount,
			"detail":        outcome.ErrorDetail,
		},
	}

	triageOutcome := o.invoker.Invoke(stageCtx, tr.spec, req)
	o.finishStep(stageCtx, rc, tr, trail, idx, triageOutcome, "")
	if !triageOutcome.Succeeded {
		o.logger.WarnContext(stageCtx, "triage stage failed",
			slog.String("error_kind", string(triageOutcome.ErrorKind)),
			slog.String("detail", triageOutcome.ErrorDetail),
		)
	}
}

// --- step and run bookkeeping ---

func (o *Orchestrator) beginStep(ctx context.Context, rc *runContext, stageName string) error {
	now := time.Now().UTC()
	if err := o.stepFSM.Transition(ctx, rc.corr.CorrelationID, stageName,
		schema.StepStatusPending, schema.StepStatusRunning, nil); err != nil {
		return err
	}
	if err := o.store.UpsertRunStep(ctx, &store.RunStep{
		CorrelationID: rc.corr.CorrelationID,
		StepName:      stageName,
		Status:        schema.StepStatusRunning,
		StartedAt:     &now,
	}); err != nil {
		return err
	}
	o.publish(ctx, rc, stageName, schema.EventStageStarted, nil)
	return nil
}

// finishStep records the terminal state of a step in the FSM, the
// materialized view, the trail, and the stream.
func (o *Orchestrator) finishStep(ctx context.Context, rc *runContext, st *compiledStage, trail *Trail, idx int, outcome stage.Outcome, artifactRef string) {
	now := time.Now().UTC()
	status := schema.StepStatusFailed
	summary := ""
	if outcome.Succeeded {
		status = schema.StepStatusSucceeded
	} else {
		summary = string(outcome.ErrorKind)
		if outcome.ErrorDetail != "" {
			summary += ": " + outcome.ErrorDetail
		}
	}

	payload, _ := json.Marshal(stagePayloadOf(outcome, artifactRef))
	if err := o.stepFSM.Transition(ctx, rc.corr.CorrelationID, st.spec.Name,
		schema.StepStatusRunning, status, payload); err != nil {
		o.logger.WarnContext(ctx, "record step transition", slog.String("error", err.Error()))
	}

	step := &store.RunStep{
		CorrelationID: rc.corr.CorrelationID,
		StepName:      st.spec.Name,
		Status:        status,
		AttemptCount:  outcome.AttemptCount,
		HTTPStatus:    outcome.HTTPStatus,
		ErrorKind:     string(outcome.ErrorKind),
		ErrorSummary:  outcome.ErrorDetail,
		ArtifactRef:   artifactRef,
		EndedAt:       &now,
		DurationMs:    outcome.DurationMs,
	}
	if err := o.store.UpsertRunStep(ctx, step); err != nil {
		o.logger.WarnContext(ctx, "persist step", slog.String("error", err.Error()))
	}

	trail.Finish(idx, status, outcome.AttemptCount, summary, now)

	eventType := schema.EventStageSucceeded
	if status == schema.StepStatusFailed {
		eventType = schema.EventStageFailed
	}
	o.publish(ctx, rc, st.spec.Name, eventType, stagePayloadOf(outcome, artifactRef))
}

func (o *Orchestrator) transitionRun(ctx context.Context, rc *runContext, from, to schema.RunStatus, payload json.RawMessage) error {
	if err := o.runFSM.Transition(ctx, rc.corr.CorrelationID, from, to, payload); err != nil {
		return err
	}
	if to == schema.RunStatusRunning || to == schema.RunStatusTriaging {
		o.publish(ctx, rc, "", runEventType(to), nil)
	}
	return nil
}

// failRunRecordWithResult persists the failed terminal state with the full
// step trail.
func (o *Orchestrator) failRunRecordWithResult(ctx context.Context, rc *runContext, failedStage string, perr *schema.PipelineError, result *schema.WorkflowResult, from schema.RunStatus) {
	end := time.Now().UTC()

	errJSON, _ := json.Marshal(perr)
	if err := o.runFSM.Transition(ctx, rc.corr.CorrelationID, from, schema.RunStatusFailed, errJSON); err != nil {
		o.logger.ErrorContext(ctx, "record run failure", slog.String("error", err.Error()))
	}

	var resultJSON json.RawMessage
	if result != nil {
		resultJSON, _ = json.Marshal(result)
	}
	if err := o.store.UpdateRun(ctx, rc.corr.CorrelationID, store.RunUpdate{
		Status:      statusPtr(schema.RunStatusFailed),
		FailedStage: &failedStage,
		Result:      resultJSON,
		Error:       errJSON,
		CompletedAt: &end,
	}); err != nil {
		o.logger.ErrorContext(ctx, "persist failed run", slog.String("error", err.Error()))
	}

	o.publish(ctx, rc, failedStage, schema.EventRunFailed, map[string]any{
		"code":    perr.Code,
		"message": perr.Message,
	})
	o.logger.WarnContext(ctx, "run failed",
		slog.String("failed_stage", failedStage),
		slog.String("code", perr.Code),
		slog.String("message", perr.Message),
	)
}

func (o *Orchestrator) appendStageEvent(ctx context.Context, rc *runContext, stageName, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	if err := o.events.AppendEvent(ctx, &store.RunEvent{
		CorrelationID: rc.corr.CorrelationID,
		Stage:         stageName,
		Type:          eventType,
		Payload:       raw,
	}); err != nil {
		o.logger.WarnContext(ctx, "append event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) publish(ctx context.Context, rc *runContext, stageName, eventType string, payload any) {
	if o.hub == nil {
		return
	}
	if err := o.hub.Publish(ctx, streaming.StreamEvent{
		CorrelationID: rc.corr.CorrelationID,
		DocumentID:    rc.corr.DocumentID,
		Stage:         stageName,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		o.logger.DebugContext(ctx, "publish stream event", slog.String("error", err.Error()))
	}
}

// --- helpers ---

// RetryEventObserver returns a RetryObserver that records each reattempt in
// the event log. The correlation ID travels in the context.
func RetryEventObserver(events EventAppender, logger *slog.Logger) stage.RetryObserver {
	return func(ctx context.Context, stageName string, attempt int, kind schema.ErrorKind, detail string) {
		corrID := logging.CorrelationID(ctx)
		if corrID == "" {
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"attempt":      attempt,
			"error_kind":   string(kind),
			"error_detail": detail,
		})
		if err := events.AppendEvent(ctx, &store.RunEvent{
			CorrelationID: corrID,
			Stage:         stageName,
			Type:          schema.EventStageRetryAttempt,
			Payload:       payload,
		}); err != nil && logger != nil {
			logger.WarnContext(ctx, "append retry event", slog.String("error", err.Error()))
		}
	}
}

func isPipelineTimeout(runCtx context.Context, outcome stage.Outcome) bool {
	return outcome.ErrorKind == schema.ErrKindPipelineTimeout ||
		errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

func outcomeError(stageName string, outcome stage.Outcome) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeStageFailed,
		"stage %s failed: %s", stageName, outcome.ErrorDetail).
		WithStage(stageName).
		WithDetails(map[string]any{
			"error_kind":    string(outcome.ErrorKind),
			"http_status":   outcome.HTTPStatus,
			"attempt_count": outcome.AttemptCount,
		})
}

func stagePayloadOf(outcome stage.Outcome, artifactRef string) map[string]any {
	return map[string]any{
		"attempt_count": outcome.AttemptCount,
		"artifact_ref":  artifactRef,
		"http_status":   outcome.HTTPStatus,
		"error_kind":    string(outcome.ErrorKind),
		"error_detail":  outcome.ErrorDetail,
	}
}

func asPipelineError(err error, stageName string) *schema.PipelineError {
	var perr *schema.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	out := schema.NewError(schema.ErrCodeStore, err.Error()).WithCause(err)
	if stageName != "" {
		out = out.WithStage(stageName)
	}
	return out
}

func statusPtr(s schema.RunStatus) *schema.RunStatus {
	return &s
}
