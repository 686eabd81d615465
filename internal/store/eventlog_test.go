package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearlane/confirmd/pkg/schema"
)

func TestEventLog_SequencesPerRun(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	a := seedRun(t, s)
	b := seedRun(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, el.AppendEvent(ctx, &RunEvent{CorrelationID: a.CorrelationID, Type: schema.EventStageStarted, Stage: "extract"}))
	}
	require.NoError(t, el.AppendEvent(ctx, &RunEvent{CorrelationID: b.CorrelationID, Type: schema.EventRunStarted}))

	eventsA, err := el.GetEvents(ctx, a.CorrelationID, 0)
	require.NoError(t, err)
	require.Len(t, eventsA, 3)
	for i, e := range eventsA {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	eventsB, err := el.GetEvents(ctx, b.CorrelationID, 0)
	require.NoError(t, err)
	require.Len(t, eventsB, 1)
	assert.Equal(t, int64(1), eventsB[0].Sequence)
}

func TestEventLog_ConcurrentAppendsStayContiguous(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	run := seedRun(t, s)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, el.AppendEvent(ctx, &RunEvent{
				CorrelationID: run.CorrelationID,
				Type:          schema.EventStageRetryAttempt,
				Stage:         "normalize",
			}))
		}()
	}
	wg.Wait()

	events, err := el.GetEvents(ctx, run.CorrelationID, 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_GetEventsSince(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	run := seedRun(t, s)

	for i := 0; i < 5; i++ {
		require.NoError(t, el.AppendEvent(ctx, &RunEvent{CorrelationID: run.CorrelationID, Type: schema.EventStageStarted}))
	}

	events, err := el.GetEvents(ctx, run.CorrelationID, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, int64(5), events[1].Sequence)
}

func TestEventLog_ReplayReconstructsSteps(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	run := seedRun(t, s)

	appendStage := func(eventType, stage string, payload any) {
		var raw json.RawMessage
		if payload != nil {
			b, err := json.Marshal(payload)
			require.NoError(t, err)
			raw = b
		}
		require.NoError(t, el.AppendEvent(ctx, &RunEvent{
			CorrelationID: run.CorrelationID,
			Type:          eventType,
			Stage:         stage,
			Payload:       raw,
		}))
	}

	appendStage(schema.EventStageStarted, "extract", nil)
	appendStage(schema.EventStageSucceeded, "extract", map[string]any{
		"attempt_count": 1, "artifact_ref": "s3://out/extract.json", "http_status": 200,
	})
	appendStage(schema.EventStageStarted, "normalize", nil)
	appendStage(schema.EventStageRetryAttempt, "normalize", nil)
	appendStage(schema.EventStageFailed, "normalize", map[string]any{
		"attempt_count": 3, "error_kind": "server_error", "error_detail": "backend unavailable", "http_status": 503,
	})
	appendStage(schema.EventStageSkipped, "match", nil)

	steps, err := el.ReplayEvents(ctx, run.CorrelationID)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	extract := steps["extract"]
	assert.Equal(t, schema.StepStatusSucceeded, extract.Status)
	assert.Equal(t, 1, extract.AttemptCount)
	assert.Equal(t, "s3://out/extract.json", extract.ArtifactRef)

	normalize := steps["normalize"]
	assert.Equal(t, schema.StepStatusFailed, normalize.Status)
	assert.Equal(t, 3, normalize.AttemptCount)
	assert.Equal(t, "server_error", normalize.ErrorKind)
	assert.Equal(t, "backend unavailable", normalize.ErrorSummary)

	assert.Equal(t, schema.StepStatusSkipped, steps["match"].Status)
}

func TestEventLog_ReplayEmptyRun(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	run := seedRun(t, s)

	steps, err := el.ReplayEvents(context.Background(), run.CorrelationID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}
