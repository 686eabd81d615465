package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearlane/confirmd/internal/api"
	"github.com/clearlane/confirmd/internal/config"
	"github.com/clearlane/confirmd/internal/engine"
	"github.com/clearlane/confirmd/internal/expressions"
	"github.com/clearlane/confirmd/internal/logging"
	"github.com/clearlane/confirmd/internal/signing"
	"github.com/clearlane/confirmd/internal/stage"
	"github.com/clearlane/confirmd/internal/store"
	"github.com/clearlane/confirmd/internal/streaming"
	"github.com/clearlane/confirmd/internal/validation"
	"github.com/clearlane/confirmd/pkg/schema"
)

const (
	testKeyID  = "e2e-key"
	testSecret = "e2e-secret"
)

// stageService is a mock downstream stage that verifies the request signature
// before answering. Responses come from the respond callback, which receives
// the 1-based call count and the decoded request body.
type stageService struct {
	t       *testing.T
	srv     *httptest.Server
	signer  *signing.Signer
	respond func(call int, body map[string]any) (int, any)

	mu     sync.Mutex
	bodies []map[string]any
}

func newStageService(t *testing.T, respond func(call int, body map[string]any) (int, any)) *stageService {
	t.Helper()
	ss := &stageService{
		t:       t,
		signer:  signing.NewSigner(&signing.StaticProvider{KeyID: testKeyID, Secret: []byte(testSecret)}),
		respond: respond,
	}
	ss.srv = httptest.NewServer(http.HandlerFunc(ss.handle))
	t.Cleanup(ss.srv.Close)
	return ss
}

func (ss *stageService) handle(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	require.NoError(ss.t, err)

	// Reject anything the pipeline did not sign for this endpoint.
	if err := ss.signer.Verify(r.Method, ss.srv.URL, raw, r.Header, time.Now(), 5*time.Minute); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body map[string]any
	require.NoError(ss.t, json.Unmarshal(raw, &body))

	ss.mu.Lock()
	ss.bodies = append(ss.bodies, body)
	call := len(ss.bodies)
	ss.mu.Unlock()

	status, resp := ss.respond(call, body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (ss *stageService) calls() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.bodies)
}

func (ss *stageService) request(i int) map[string]any {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if i >= len(ss.bodies) {
		return nil
	}
	return ss.bodies[i]
}

func artifactOK(ref string) func(int, map[string]any) (int, any) {
	return func(int, map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"artifact_ref": ref}
	}
}

// harness wires the full service behind a real HTTP listener.
type harness struct {
	t      *testing.T
	api    *httptest.Server
	store  *store.LibSQLStore
	events *store.EventLog
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "e2e.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	events := store.NewEventLog(st)
	hub := streaming.NewMemoryHub()

	validator, err := validation.NewValidator()
	require.NoError(t, err)
	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)

	logger := slog.New(logging.NewCorrelationHandler(slog.NewTextHandler(io.Discard, nil)))
	signer := signing.NewSigner(&signing.StaticProvider{KeyID: testKeyID, Secret: []byte(testSecret)})
	invoker := stage.NewInvoker(signer, stage.NewClient(stage.ClientConfig{}), nil, logger,
		engine.RetryEventObserver(events, logger))

	orch, err := engine.NewOrchestrator(cfg, engine.Deps{
		Store:     st,
		Events:    events,
		Hub:       hub,
		Invoker:   invoker,
		Validator: validator,
		CEL:       celEngine,
		JQ:        expressions.NewGoJQEngine(),
		Templates: expressions.NewExprEngine(),
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Shutdown)

	srv := api.NewServer(api.Deps{
		Store:        st,
		Orchestrator: orch,
		Events:       events,
		Hub:          hub,
		Logger:       logger,
	})
	apiSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(apiSrv.Close)

	return &harness{t: t, api: apiSrv, store: st, events: events}
}

func (h *harness) submit(req *schema.SubmissionRequest) (*http.Response, []byte) {
	h.t.Helper()
	body, err := json.Marshal(req)
	require.NoError(h.t, err)

	resp, err := http.Post(h.api.URL+"/api/runs", "application/json", bytes.NewReader(body))
	require.NoError(h.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, data
}

func (h *harness) get(path string, out any) int {
	h.t.Helper()
	resp, err := http.Get(h.api.URL + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func pipelineConfig(stages []config.StageConfig, triageStage string) *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			Timeout:           "30s",
			MaxConcurrentRuns: 4,
			Stages:            stages,
			TriageStage:       triageStage,
		},
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	extract := newStageService(t, artifactOK("s3://work/extracted.json"))
	normalize := newStageService(t, artifactOK("s3://work/normalized.json"))
	dispatch := newStageService(t, artifactOK("s3://out/confirmed.json"))

	h := newHarness(t, pipelineConfig([]config.StageConfig{
		{Name: "extract", Endpoint: extract.srv.URL},
		{Name: "normalize", Endpoint: normalize.srv.URL},
		{Name: "dispatch", Endpoint: dispatch.srv.URL},
	}, ""))

	resp, data := h.submit(&schema.SubmissionRequest{
		DocumentID:    "doc-e2e-1",
		InputLocation: "s3://inbound/doc-e2e-1.pdf",
		SourceTag:     "broker-east",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var result schema.WorkflowResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "s3://out/confirmed.json", result.FinalArtifactRef)
	require.Len(t, result.Steps, 3)

	// Artifacts chain stage to stage.
	assert.Equal(t, "s3://inbound/doc-e2e-1.pdf", extract.request(0)["input_ref"])
	assert.Equal(t, "s3://work/extracted.json", normalize.request(0)["input_ref"])
	assert.Equal(t, "s3://work/normalized.json", dispatch.request(0)["input_ref"])

	// One signed call each; unsigned requests would have been rejected.
	assert.Equal(t, 1, extract.calls())
	assert.Equal(t, 1, normalize.calls())
	assert.Equal(t, 1, dispatch.calls())

	// Persisted run agrees with the response.
	var payload struct {
		Run store.Run `json:"run"`
	}
	code := h.get("/api/runs/"+result.CorrelationID, &payload)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, schema.RunStatusCompleted, payload.Run.Status)
}

func TestTriageRoutingEndToEnd(t *testing.T) {
	extract := newStageService(t, artifactOK("s3://work/extracted.json"))
	normalize := newStageService(t, func(int, map[string]any) (int, any) {
		return http.StatusUnprocessableEntity, map[string]any{"error": "unmapped counterparty"}
	})
	triage := newStageService(t, artifactOK("s3://triage/ticket-1.json"))

	h := newHarness(t, pipelineConfig([]config.StageConfig{
		{Name: "extract", Endpoint: extract.srv.URL},
		{
			Name:       "normalize",
			Endpoint:   normalize.srv.URL,
			TriageWhen: `outcome.error_kind == "client_error"`,
		},
		{Name: "triage", Endpoint: triage.srv.URL},
	}, "triage"))

	resp, data := h.submit(&schema.SubmissionRequest{
		DocumentID:    "doc-e2e-2",
		InputLocation: "s3://inbound/doc-e2e-2.pdf",
		SourceTag:     "broker-west",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var result schema.WorkflowResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.False(t, result.Success)
	assert.Equal(t, "normalize", result.FailedStep)

	// The triage stage received the failure context and the last good artifact.
	require.Equal(t, 1, triage.calls())
	triageReq := triage.request(0)
	assert.Equal(t, "normalize", triageReq["failed_stage"])
	assert.Equal(t, "s3://work/extracted.json", triageReq["input_ref"])

	// Routed failure shows up in the event log.
	var events struct {
		Events []store.RunEvent `json:"events"`
	}
	code := h.get("/api/runs/"+result.CorrelationID+"/events", &events)
	require.Equal(t, http.StatusOK, code)

	var types []string
	for _, ev := range events.Events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventTriageRouted)
	assert.Contains(t, types, schema.EventRunFailed)
}

func TestRetriesSurfaceInEventLog(t *testing.T) {
	flaky := newStageService(t, func(call int, _ map[string]any) (int, any) {
		if call == 1 {
			return http.StatusInternalServerError, map[string]any{"error": "transient"}
		}
		return http.StatusOK, map[string]any{"artifact_ref": "s3://work/ok.json"}
	})

	h := newHarness(t, pipelineConfig([]config.StageConfig{
		{Name: "extract", Endpoint: flaky.srv.URL, MaxAttempts: 3, BackoffBase: "10ms"},
	}, ""))

	resp, data := h.submit(&schema.SubmissionRequest{
		DocumentID:    "doc-e2e-3",
		InputLocation: "s3://inbound/doc-e2e-3.pdf",
		SourceTag:     "broker-east",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var result schema.WorkflowResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.True(t, result.Success)
	assert.Equal(t, 2, flaky.calls())

	var events struct {
		Events []store.RunEvent `json:"events"`
	}
	code := h.get("/api/runs/"+result.CorrelationID+"/events", &events)
	require.Equal(t, http.StatusOK, code)

	retries := 0
	for _, ev := range events.Events {
		if ev.Type == schema.EventStageRetryAttempt {
			retries++
		}
	}
	assert.Equal(t, 1, retries)
}

func TestSSEStreamsRunLifecycle(t *testing.T) {
	extract := newStageService(t, artifactOK("s3://work/extracted.json"))

	h := newHarness(t, pipelineConfig([]config.StageConfig{
		{Name: "extract", Endpoint: extract.srv.URL},
	}, ""))

	// Open the global stream before submitting so no event is missed.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.api.URL+"/sse/events", nil)
	require.NoError(t, err)
	sseResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer sseResp.Body.Close()
	require.Equal(t, "text/event-stream", sseResp.Header.Get("Content-Type"))

	eventCh := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(sseResp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				eventCh <- strings.TrimPrefix(line, "event: ")
			}
		}
	}()

	resp, data := h.submit(&schema.SubmissionRequest{
		DocumentID:    "doc-e2e-4",
		InputLocation: "s3://inbound/doc-e2e-4.pdf",
		SourceTag:     "broker-east",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var seen []string
	for {
		select {
		case evType := <-eventCh:
			seen = append(seen, evType)
			if evType == schema.EventRunCompleted {
				assert.Contains(t, seen, schema.EventRunStarted)
				assert.Contains(t, seen, schema.EventStageSucceeded)
				return
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for run_completed, saw %v", seen)
		}
	}
}
