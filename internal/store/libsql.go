package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/clearlane/confirmd/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

const runColumns = `correlation_id, document_id, trace_id, source_tag, input_location, status, failed_stage, result, error, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.CorrelationID, run.DocumentID, nullStr(run.TraceID), run.SourceTag, run.InputLocation,
		string(run.Status), nullStr(run.FailedStage), nullRaw(run.Result), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.CorrelationID)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, correlationID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE correlation_id = ?`, correlationID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", correlationID)
	}
	return run, err
}

// GetRunByDocument returns the most recent run for a document.
func (s *LibSQLStore) GetRunByDocument(ctx context.Context, documentID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE document_id = ? ORDER BY created_at DESC LIMIT 1`, documentID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run for document", documentID)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, correlationID string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.FailedStage != nil {
		sets = append(sets, "failed_stage = ?")
		args = append(args, nullStr(*update.FailedStage))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, correlationID)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE correlation_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", correlationID)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if filter.SourceTag != "" {
		where = append(where, "source_tag = ?")
		args = append(args, filter.SourceTag)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, correlationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE correlation_id = ?`, correlationID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", correlationID)
}

// DeleteFinishedBefore deletes completed and failed runs older than cutoff.
// Steps and events cascade. Returns the number of runs deleted.
func (s *LibSQLStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(schema.RunStatusCompleted), string(schema.RunStatusFailed), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListStaleRunning returns runs still marked running or triaging whose last
// update is older than cutoff. Used by the reaper to fail orphaned runs.
func (s *LibSQLStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(schema.RunStatusPending), string(schema.RunStatusRunning), string(schema.RunStatusTriaging), cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var (
		traceID, failedStage   sql.NullString
		result, errJSON        sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := row.Scan(&run.CorrelationID, &run.DocumentID, &traceID, &run.SourceTag, &run.InputLocation,
		&status, &failedStage, &result, &errJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.TraceID = traceID.String
	run.FailedStage = failedStage.String
	run.Status = schema.RunStatus(status)
	run.Result = rawOrNil(result)
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Run steps ---

func (s *LibSQLStore) UpsertRunStep(ctx context.Context, step *RunStep) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_steps (correlation_id, step_name, status, attempt_count, http_status, error_kind, error_summary, artifact_ref, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(correlation_id, step_name) DO UPDATE SET
		   status=excluded.status, attempt_count=excluded.attempt_count, http_status=excluded.http_status,
		   error_kind=excluded.error_kind, error_summary=excluded.error_summary, artifact_ref=excluded.artifact_ref,
		   started_at=excluded.started_at, ended_at=excluded.ended_at, duration_ms=excluded.duration_ms`,
		step.CorrelationID, step.StepName, string(step.Status), step.AttemptCount,
		nullInt(step.HTTPStatus), nullStr(step.ErrorKind), nullStr(step.ErrorSummary), nullStr(step.ArtifactRef),
		nullTime(step.StartedAt), nullTime(step.EndedAt), step.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetRunStep(ctx context.Context, correlationID, stepName string) (*RunStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT correlation_id, step_name, status, attempt_count, http_status, error_kind, error_summary, artifact_ref, started_at, ended_at, duration_ms
		 FROM run_steps WHERE correlation_id = ? AND step_name = ?`, correlationID, stepName)
	step, err := scanRunStep(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run step", stepName)
	}
	return step, err
}

func (s *LibSQLStore) ListRunSteps(ctx context.Context, correlationID string) ([]*RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, step_name, status, attempt_count, http_status, error_kind, error_summary, artifact_ref, started_at, ended_at, duration_ms
		 FROM run_steps WHERE correlation_id = ? ORDER BY started_at ASC`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*RunStep
	for rows.Next() {
		step, err := scanRunStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanRunStep(row scanner) (*RunStep, error) {
	step := &RunStep{}
	var (
		status                              string
		httpStatus                          sql.NullInt64
		errorKind, errorSummary, artifactRef sql.NullString
		startedAt, endedAt                  sql.NullTime
	)
	err := row.Scan(&step.CorrelationID, &step.StepName, &status, &step.AttemptCount,
		&httpStatus, &errorKind, &errorSummary, &artifactRef, &startedAt, &endedAt, &step.DurationMs)
	if err != nil {
		return nil, err
	}
	step.Status = schema.StepStatus(status)
	step.HTTPStatus = int(httpStatus.Int64)
	step.ErrorKind = errorKind.String
	step.ErrorSummary = errorSummary.String
	step.ArtifactRef = artifactRef.String
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		step.EndedAt = &endedAt.Time
	}
	return step, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this run.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE correlation_id = ?`, event.CorrelationID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (correlation_id, stage, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.CorrelationID, nullStr(event.Stage), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, correlationID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, correlation_id, stage, event_type, payload, timestamp, sequence
		 FROM run_events WHERE correlation_id = ? AND sequence > ? ORDER BY sequence ASC`,
		correlationID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*RunEvent, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, filter.Stage)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, correlation_id, stage, event_type, payload, timestamp, sequence FROM run_events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*RunEvent, error) {
	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var stage, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.CorrelationID, &stage, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Stage = stage.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
