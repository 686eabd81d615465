package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clearlane/confirmd/internal/store"
	"github.com/clearlane/confirmd/pkg/schema"
)

const tickInterval = 60 * time.Second

// Config sets the maintenance policies.
type Config struct {
	// MaxAge is how long finished runs are kept before the sweeper deletes them.
	MaxAge time.Duration
	// SweepSchedule is the cron expression for the retention sweep.
	SweepSchedule string
	// StaleRunAfter is how long a run may sit non-terminal without an update
	// before the reaper fails it.
	StaleRunAfter time.Duration
}

// Scheduler runs the store maintenance loops: the cron-scheduled retention
// sweep for finished runs, and the stale-run reaper that fails runs abandoned
// by a crashed process so their documents can be resubmitted.
type Scheduler struct {
	store  store.Store
	events *store.EventLog
	config Config
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	nextSweep time.Time
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, events *store.EventLog, config Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  s,
		events: events,
		config: config,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger: logger,
	}
}

// Start launches the background maintenance loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	next, err := s.NextSweep(time.Now().UTC())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.nextSweep = next

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started",
		slog.Time("next_sweep", next),
		slog.Duration("stale_run_after", s.config.StaleRunAfter),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Reap immediately on startup so runs orphaned by a crash are cleared
	// before new submissions arrive.
	s.reapStaleRuns(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick reaps stale runs every interval and sweeps when the cron schedule is due.
func (s *Scheduler) tick(ctx context.Context) {
	s.reapStaleRuns(ctx)

	now := time.Now().UTC()
	s.mu.Lock()
	due := !s.nextSweep.After(now)
	s.mu.Unlock()
	if !due {
		return
	}

	s.sweep(ctx, now)

	next, err := s.NextSweep(now)
	if err != nil {
		s.logger.Error("compute next sweep", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.nextSweep = next
	s.mu.Unlock()
}

// sweep deletes finished runs older than the retention window.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	if s.config.MaxAge <= 0 {
		return
	}
	cutoff := now.Add(-s.config.MaxAge)

	deleted, err := s.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		return
	}
	if deleted == 0 {
		return
	}

	s.logger.Info("retention sweep completed",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)
	if err := s.store.Vacuum(ctx); err != nil {
		s.logger.Warn("vacuum after sweep failed", slog.String("error", err.Error()))
	}
}

// reapStaleRuns fails non-terminal runs that have not been updated within the
// stale window. A reaped run records a run_reaped event followed by the
// terminal failure so the event log explains why it ended.
func (s *Scheduler) reapStaleRuns(ctx context.Context) {
	if s.config.StaleRunAfter <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.config.StaleRunAfter)

	stale, err := s.store.ListStaleRunning(ctx, cutoff)
	if err != nil {
		s.logger.Error("list stale runs failed", slog.String("error", err.Error()))
		return
	}

	for _, run := range stale {
		if err := s.reapRun(ctx, run); err != nil {
			s.logger.Error("reap stale run failed",
				slog.String("correlation_id", run.CorrelationID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Scheduler) reapRun(ctx context.Context, run *store.Run) error {
	now := time.Now().UTC()

	perr := schema.NewErrorf(schema.ErrCodeStageFailed,
		"run reaped: no progress since %s", run.UpdatedAt.UTC().Format(time.RFC3339))
	errJSON, _ := json.Marshal(perr)

	payload, _ := json.Marshal(map[string]any{
		"previous_status": string(run.Status),
		"stale_since":     run.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if err := s.events.AppendEvent(ctx, &store.RunEvent{
		CorrelationID: run.CorrelationID,
		Type:          schema.EventRunReaped,
		Payload:       payload,
	}); err != nil {
		return err
	}
	if err := s.events.AppendEvent(ctx, &store.RunEvent{
		CorrelationID: run.CorrelationID,
		Type:          schema.EventRunFailed,
		Payload:       errJSON,
	}); err != nil {
		return err
	}

	failed := schema.RunStatusFailed
	if err := s.store.UpdateRun(ctx, run.CorrelationID, store.RunUpdate{
		Status:      &failed,
		Error:       errJSON,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	s.logger.Warn("reaped stale run",
		slog.String("correlation_id", run.CorrelationID),
		slog.String("document_id", run.DocumentID),
		slog.String("previous_status", string(run.Status)),
	)
	return nil
}

// NextSweep computes the next retention sweep time after from.
func (s *Scheduler) NextSweep(from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(s.config.SweepSchedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sweep schedule %q: %w", s.config.SweepSchedule, err)
	}
	return schedule.Next(from), nil
}

// Sweep runs one retention sweep immediately. Exposed for operational use.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.sweep(ctx, time.Now().UTC())
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
