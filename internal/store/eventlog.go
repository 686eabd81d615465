package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clearlane/confirmd/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// Acquires a write lock up front so concurrent writers cannot interleave
// sequence reads and writes.
func (el *EventLog) AppendEvent(ctx context.Context, event *RunEvent) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction. A
	// write-intent statement forces immediate lock acquisition.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE correlation_id = ?`, event.CorrelationID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (correlation_id, stage, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.CorrelationID, nullStr(event.Stage), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, correlationID string, since int64) ([]*RunEvent, error) {
	return el.store.GetEvents(ctx, correlationID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*RunEvent, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents replays all events for a run and returns the reconstructed
// per-stage states. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, correlationID string) (map[string]*RunStep, error) {
	events, err := el.store.GetEvents(ctx, correlationID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*RunStep), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", correlationID, expected, e.Sequence)
		}
	}

	steps := make(map[string]*RunStep)

	for _, e := range events {
		if e.Stage == "" {
			continue
		}

		step, ok := steps[e.Stage]
		if !ok {
			step = &RunStep{
				CorrelationID: correlationID,
				StepName:      e.Stage,
				Status:        schema.StepStatusPending,
			}
			steps[e.Stage] = step
		}

		switch e.Type {
		case schema.EventStageStarted:
			step.Status = schema.StepStatusRunning
			ts := e.Timestamp
			step.StartedAt = &ts

		case schema.EventStageSucceeded:
			step.Status = schema.StepStatusSucceeded
			ts := e.Timestamp
			step.EndedAt = &ts
			if step.StartedAt != nil {
				step.DurationMs = ts.Sub(*step.StartedAt).Milliseconds()
			}
			var p stagePayload
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &p) == nil {
				step.AttemptCount = p.AttemptCount
				step.ArtifactRef = p.ArtifactRef
				step.HTTPStatus = p.HTTPStatus
			}

		case schema.EventStageFailed:
			step.Status = schema.StepStatusFailed
			ts := e.Timestamp
			step.EndedAt = &ts
			var p stagePayload
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &p) == nil {
				step.AttemptCount = p.AttemptCount
				step.ErrorKind = p.ErrorKind
				step.ErrorSummary = p.ErrorDetail
				step.HTTPStatus = p.HTTPStatus
			}

		case schema.EventStageSkipped:
			step.Status = schema.StepStatusSkipped

		case schema.EventStageRetryAttempt:
			step.AttemptCount++
		}
	}

	return steps, nil
}

// stagePayload extracts typed fields from stage event payloads.
type stagePayload struct {
	AttemptCount int    `json:"attempt_count,omitempty"`
	ArtifactRef  string `json:"artifact_ref,omitempty"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorDetail  string `json:"error_detail,omitempty"`
}
