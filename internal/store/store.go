package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, correlationID string) (*Run, error)
	GetRunByDocument(ctx context.Context, documentID string) (*Run, error)
	UpdateRun(ctx context.Context, correlationID string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, correlationID string) error

	// Run steps (materialized view)
	UpsertRunStep(ctx context.Context, step *RunStep) error
	GetRunStep(ctx context.Context, correlationID, stepName string) (*RunStep, error)
	ListRunSteps(ctx context.Context, correlationID string) ([]*RunStep, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *RunEvent) error
	GetEvents(ctx context.Context, correlationID string, since int64) ([]*RunEvent, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*RunEvent, error)

	// Maintenance
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*Run, error)
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
