package stage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/clearlane/confirmd/internal/signing"
	"github.com/clearlane/confirmd/pkg/schema"
)

// Spec is the resolved, per-stage invocation contract: configuration with
// durations parsed and the optional response schema compiled.
type Spec struct {
	Name        string
	Endpoint    string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	// ResponseSchema, when set, is validated against every 2xx response body.
	// A violation is a contract defect (ClientError) and is never retried.
	ResponseSchema *jsonschema.Schema
}

// Outcome is the result of one logical stage invocation, after the Invoker
// has absorbed and classified all retryable failures.
type Outcome struct {
	Succeeded    bool             `json:"succeeded"`
	HTTPStatus   int              `json:"http_status,omitempty"`
	Body         map[string]any   `json:"body,omitempty"`
	ErrorKind    schema.ErrorKind `json:"error_kind,omitempty"`
	ErrorDetail  string           `json:"error_detail,omitempty"`
	DurationMs   int64            `json:"duration_ms"`
	AttemptCount int              `json:"attempt_count"`
}

// RetryObserver is notified before each reattempt. Used by the orchestrator
// to publish stage_retry_attempt events.
type RetryObserver func(ctx context.Context, stageName string, attempt int, kind schema.ErrorKind, detail string)

// Invoker wraps the HTTP client with per-stage retry policy: bounded attempts,
// linear backoff, and re-signing before every attempt. One call to Invoke is
// one atomic step from the orchestrator's perspective regardless of how many
// physical HTTP attempts it performed.
type Invoker struct {
	signer   *signing.Signer
	client   *Client
	breakers *BreakerRegistry
	logger   *slog.Logger
	onRetry  RetryObserver
}

// NewInvoker creates a stage invoker. breakers may be nil to disable circuit
// breaking; onRetry may be nil.
func NewInvoker(signer *signing.Signer, client *Client, breakers *BreakerRegistry, logger *slog.Logger, onRetry RetryObserver) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		signer:   signer,
		client:   client,
		breakers: breakers,
		logger:   logger,
		onRetry:  onRetry,
	}
}

// Invoke performs one logical stage invocation with up to spec.MaxAttempts
// physical attempts. Retries only on Timeout, TransportError, and 5xx; 4xx
// and signing failures abort immediately. The request is re-signed before
// every attempt because credentials may rotate and the signature binds a
// timestamp that stage services reject once stale.
func (inv *Invoker) Invoke(ctx context.Context, spec Spec, req schema.StageRequest) Outcome {
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return Outcome{
			ErrorKind:   schema.ErrKindClient,
			ErrorDetail: "marshal stage request: " + err.Error(),
			DurationMs:  time.Since(start).Milliseconds(),
		}
	}

	if inv.breakers != nil {
		if err := inv.breakers.AllowRequest(spec.Name); err != nil {
			// No network attempt was made; surface as a transient transport
			// failure so a routed triage stage sees a truthful classification.
			return Outcome{
				ErrorKind:   schema.ErrKindTransport,
				ErrorDetail: err.Error(),
				DurationMs:  time.Since(start).Milliseconds(),
			}
		}
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		headers, signErr := inv.signer.Sign(http.MethodPost, spec.Endpoint, body, time.Now())
		if signErr != nil {
			last = Outcome{
				ErrorKind:    schema.ErrKindCredentialsUnavailable,
				ErrorDetail:  signErr.Error(),
				AttemptCount: attempt,
			}
			break
		}

		last = inv.attempt(ctx, spec, headers, body)
		last.AttemptCount = attempt

		if last.Succeeded {
			inv.recordSuccess(spec.Name)
			break
		}

		inv.recordFailure(ctx, spec.Name)

		if !last.ErrorKind.Retryable() || attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		delay := spec.BackoffBase * time.Duration(attempt)
		inv.logger.InfoContext(ctx, "retrying stage",
			slog.Int("attempt", attempt),
			slog.String("error_kind", string(last.ErrorKind)),
			slog.Duration("backoff", delay),
		)
		if inv.onRetry != nil {
			inv.onRetry(ctx, spec.Name, attempt, last.ErrorKind, last.ErrorDetail)
		}
		if err := waitForBackoff(ctx, delay); err != nil {
			break
		}
	}

	last.DurationMs = time.Since(start).Milliseconds()
	return last
}

// attempt performs a single signed POST and classifies the result.
func (inv *Invoker) attempt(ctx context.Context, spec Spec, headers http.Header, body []byte) Outcome {
	resp, err := inv.client.Post(ctx, spec.Endpoint, headers, body, spec.Timeout)
	if err != nil {
		return classifyAttemptError(err)
	}

	out := Outcome{HTTPStatus: resp.StatusCode, Body: resp.Body}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if spec.ResponseSchema != nil {
			if verr := validateResponse(spec.ResponseSchema, resp); verr != nil {
				out.ErrorKind = schema.ErrKindClient
				out.ErrorDetail = "response schema violation: " + verr.Error()
				return out
			}
		}
		out.Succeeded = true

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		out.ErrorKind = schema.ErrKindAuth
		out.ErrorDetail = responseDetail(resp)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		out.ErrorKind = schema.ErrKindClient
		out.ErrorDetail = responseDetail(resp)

	default: // 5xx and anything else received over the wire
		out.ErrorKind = schema.ErrKindServer
		out.ErrorDetail = responseDetail(resp)
	}

	return out
}

func classifyAttemptError(err error) Outcome {
	var perr *schema.PipelineError
	if errors.As(err, &perr) {
		switch perr.Code {
		case schema.ErrCodeTimeout:
			return Outcome{ErrorKind: schema.ErrKindTimeout, ErrorDetail: perr.Message}
		case schema.ErrCodePipelineTimeout:
			return Outcome{ErrorKind: schema.ErrKindPipelineTimeout, ErrorDetail: perr.Message}
		case schema.ErrCodeCancelled:
			// Cancellation is not a stage defect; report as transport so the
			// orchestrator's context check decides the final classification.
			return Outcome{ErrorKind: schema.ErrKindTransport, ErrorDetail: perr.Message}
		}
	}
	return Outcome{ErrorKind: schema.ErrKindTransport, ErrorDetail: err.Error()}
}

// validateResponse checks the parsed 2xx body against the stage's declared
// output schema.
func validateResponse(sch *jsonschema.Schema, resp *RawResponse) error {
	if resp.Body == nil {
		return errors.New("expected JSON response body")
	}
	// The validator needs a plain decoded value.
	var instance any = map[string]any(resp.Body)
	return sch.Validate(instance)
}

// responseDetail extracts a bounded human-readable summary from a non-2xx body.
func responseDetail(resp *RawResponse) string {
	const maxDetail = 512

	if resp.Body != nil {
		for _, key := range []string{"error", "message", "detail"} {
			if v, ok := resp.Body[key].(string); ok && v != "" {
				return truncate(v, maxDetail)
			}
		}
	}
	if len(resp.RawBody) > 0 {
		return truncate(string(resp.RawBody), maxDetail)
	}
	return http.StatusText(resp.StatusCode)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// waitForBackoff sleeps for the given delay or returns early if the context
// is cancelled.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (inv *Invoker) recordSuccess(name string) {
	if inv.breakers != nil {
		inv.breakers.RecordSuccess(name)
	}
}

func (inv *Invoker) recordFailure(ctx context.Context, name string) {
	if inv.breakers == nil {
		return
	}
	if state := inv.breakers.RecordFailure(name); state == CircuitOpen {
		inv.logger.WarnContext(ctx, "circuit breaker opened for stage", slog.String("stage", name))
	}
}
