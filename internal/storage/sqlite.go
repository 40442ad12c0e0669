package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "questd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	// Cascade-delete of runs/queue entries relies on this.
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time encoding ----

// Timestamps are stored as UTC RFC3339Nano text. scheduled_for relies on this
// being a stable, canonical encoding (it participates in a UNIQUE index).
func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseStoredTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ---- tasks ----

const taskCols = `id, name, description, schedule, provider, enabled, priority, need,
	mission, objective, resource_cost, requires_network, kind, payload, state, created_at, updated_at`

func (s *sqliteStore) CreateTask(ctx context.Context, t *Task) error {
	if t.ResourceCost < 1 {
		return fmt.Errorf("task %q: resource_cost must be >= 1", t.Name)
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, t.Schedule, t.Provider, t.Enabled, t.Priority, t.Need,
		t.Mission, t.Objective, t.ResourceCost, t.RequiresNetwork, t.Kind, t.Payload,
		string(t.State), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return err
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var state, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Schedule, &t.Provider, &t.Enabled,
		&t.Priority, &t.Need, &t.Mission, &t.Objective, &t.ResourceCost, &t.RequiresNetwork,
		&t.Kind, &t.Payload, &state, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.State, err = ParseTaskState(state); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *sqliteStore) GetTaskByName(ctx context.Context, name string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE name = ?`, name)
	return scanTask(row)
}

func (s *sqliteStore) listTasks(ctx context.Context, where string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.listTasks(ctx, "")
}

func (s *sqliteStore) ListEvaluable(ctx context.Context) ([]*Task, error) {
	return s.listTasks(ctx, `WHERE state = ? AND enabled = 1`, string(TaskActive))
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t *Task) error {
	if t.ResourceCost < 1 {
		return fmt.Errorf("task %q: resource_cost must be >= 1", t.Name)
	}
	t.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name=?, description=?, schedule=?, provider=?, enabled=?, priority=?, need=?,
		 mission=?, objective=?, resource_cost=?, requires_network=?, kind=?, payload=?, state=?, updated_at=?
		 WHERE id=?`,
		t.Name, t.Description, t.Schedule, t.Provider, t.Enabled, t.Priority, t.Need,
		t.Mission, t.Objective, t.ResourceCost, t.RequiresNetwork, t.Kind, t.Payload,
		string(t.State), fmtTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}

// SetTaskEnabled flips enabled and keeps the definition state in sync
// (enabled tasks are active, disabled ones fall back to defined).
// Retired tasks are never resurrected here.
func (s *sqliteStore) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	state := TaskDefined
	if enabled {
		state = TaskActive
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET enabled=?, state=?, updated_at=? WHERE id=? AND state != ?`,
		enabled, string(state), fmtTime(time.Now()), id, string(TaskRetired),
	)
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}

func (s *sqliteStore) RetireTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET enabled=0, state=?, updated_at=? WHERE id=?`,
		string(TaskRetired), fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}

// ---- runs ----

const runCols = `id, task_id, state, started_at, completed_at, result, output, created_at`

func (s *sqliteStore) CreateRun(ctx context.Context, r *Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.State == "" {
		r.State = RunQueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs(`+runCols+`) VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, string(r.State), nullTime(r.StartedAt), nullTime(r.CompletedAt),
		r.Result, r.Output, fmtTime(r.CreatedAt),
	)
	return err
}

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var state, createdAt string
	var started, completed sql.NullString
	err := row.Scan(&r.ID, &r.TaskID, &state, &started, &completed, &r.Result, &r.Output, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.State, err = ParseRunState(state); err != nil {
		return nil, err
	}
	if r.StartedAt, err = scanNullTime(started); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = scanNullTime(completed); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM task_runs WHERE id = ?`, id)
	return scanRun(row)
}

func (s *sqliteStore) ListRuns(ctx context.Context, taskID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM task_runs WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkRunStarted is a compare-and-set: queued -> running.
func (s *sqliteStore) MarkRunStarted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET state=?, started_at=? WHERE id=? AND state=?`,
		string(RunRunning), fmtTime(at), id, string(RunQueued),
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// CompleteRun is a compare-and-set: running -> succeeded|failed.
// A run that already reached a terminal state (e.g. cancelled mid-flight)
// is left untouched and the call reports false.
func (s *sqliteStore) CompleteRun(ctx context.Context, id string, state RunState, at time.Time, result, output string) (bool, error) {
	if !state.Terminal() || state == RunCancelled {
		return false, fmt.Errorf("invalid completion state %q", state)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET state=?, completed_at=?, result=?, output=? WHERE id=? AND state=?`,
		string(state), fmtTime(at), result, output, id, string(RunRunning),
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// CancelRun is a compare-and-set: queued|running -> cancelled.
func (s *sqliteStore) CancelRun(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET state=?, completed_at=?, result=? WHERE id=? AND state IN (?,?)`,
		string(RunCancelled), fmtTime(at), "cancelled", id, string(RunQueued), string(RunRunning),
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (s *sqliteStore) RunningCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_runs WHERE task_id=? AND state=?`,
		taskID, string(RunRunning)).Scan(&n)
	return n, err
}

// ---- queue ----

const entryCols = `id, task_id, run_id, state, scheduled_for, processed_at,
	priority, need, resource_cost, requires_network, created_at`

// EnqueueEntry inserts a pending entry. The UNIQUE(task_id, scheduled_for)
// index makes recurrence evaluation idempotent: a duplicate due instant is
// ignored and reported as (false, nil).
func (s *sqliteStore) EnqueueEntry(ctx context.Context, e *QueueEntry) (bool, error) {
	if e.ResourceCost < 1 {
		return false, fmt.Errorf("queue entry for task %s: resource_cost must be >= 1", e.TaskID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.State == "" {
		e.State = EntryPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_queue(task_id, run_id, state, scheduled_for, processed_at,
		 priority, need, resource_cost, requires_network, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.TaskID, nullStr(e.RunID), string(e.State), fmtTime(e.ScheduledFor), nullTime(e.ProcessedAt),
		e.Priority, e.Need, e.ResourceCost, e.RequiresNetwork, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	inserted, err := oneRow(res)
	if err != nil || !inserted {
		return inserted, err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return true, nil
}

func (s *sqliteStore) LatestScheduledFor(ctx context.Context, taskID string) (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(scheduled_for) FROM task_queue WHERE task_id = ?`, taskID).Scan(&raw)
	if err != nil {
		return time.Time{}, false, err
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	t, err := parseStoredTime(raw.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func scanEntry(row interface{ Scan(...any) error }) (*QueueEntry, error) {
	var e QueueEntry
	var state, scheduledFor, createdAt string
	var runID, processed sql.NullString
	err := row.Scan(&e.ID, &e.TaskID, &runID, &state, &scheduledFor, &processed,
		&e.Priority, &e.Need, &e.ResourceCost, &e.RequiresNetwork, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.RunID = runID.String
	if e.State, err = ParseEntryState(state); err != nil {
		return nil, err
	}
	if e.ScheduledFor, err = parseStoredTime(scheduledFor); err != nil {
		return nil, err
	}
	if e.ProcessedAt, err = scanNullTime(processed); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqliteStore) queueEntries(ctx context.Context, query string, args ...any) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingEntries returns the admission candidates in composite order.
// Entries of retired tasks stay pending in the table (audit) but are
// excluded from the walk via the join.
func (s *sqliteStore) PendingEntries(ctx context.Context) ([]*QueueEntry, error) {
	return s.queueEntries(ctx,
		`SELECT q.id, q.task_id, q.run_id, q.state, q.scheduled_for, q.processed_at,
		        q.priority, q.need, q.resource_cost, q.requires_network, q.created_at
		 FROM task_queue q
		 JOIN tasks t ON t.id = q.task_id
		 WHERE q.state = ? AND t.state = ?
		 ORDER BY q.priority DESC, q.need DESC, q.scheduled_for ASC, q.id ASC`,
		string(EntryPending), string(TaskActive))
}

// DispatchEntry is a compare-and-set: pending -> dispatched, linking the run.
func (s *sqliteStore) DispatchEntry(ctx context.Context, id int64, runID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET state=?, run_id=?, processed_at=? WHERE id=? AND state=?`,
		string(EntryDispatched), runID, fmtTime(at), id, string(EntryPending),
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

// DrainEntry is a compare-and-set: dispatched -> drained. Draining releases
// the entry's budget charge (DispatchedCost no longer counts it).
func (s *sqliteStore) DrainEntry(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET state=? WHERE id=? AND state=?`,
		string(EntryDrained), id, string(EntryDispatched),
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (s *sqliteStore) DrainEntryByRun(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET state=? WHERE run_id=? AND state=?`,
		string(EntryDrained), runID, string(EntryDispatched),
	)
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (s *sqliteStore) DispatchedCost(ctx context.Context) (int, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(resource_cost) FROM task_queue WHERE state=?`,
		string(EntryDispatched)).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

func (s *sqliteStore) DispatchedEntries(ctx context.Context) ([]*QueueEntry, error) {
	return s.queueEntries(ctx,
		`SELECT `+entryCols+` FROM task_queue WHERE state=? ORDER BY id ASC`,
		string(EntryDispatched))
}

// ---- settings ----

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM scheduler_settings WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduler_settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// ---- helpers ----

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func errIfNoRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
