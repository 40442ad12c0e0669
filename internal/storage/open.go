package storage

import (
	"context"
	"time"

	logx "questd/pkg/logx"
)

// Store is the persistence API shared by the evaluator, the admission
// controller and the executor. The persisted queue table IS the queue;
// there is no in-memory queue of record.
//
// All state transitions are single-row compare-and-set operations guarded by
// the record's current state. A CAS miss (e.g. admitting an already
// dispatched entry) reports false, not an error.
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskByName(ctx context.Context, name string) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)
	// ListEvaluable returns tasks with state=active and enabled=true.
	ListEvaluable(ctx context.Context) ([]*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	SetTaskEnabled(ctx context.Context, id string, enabled bool) error
	RetireTask(ctx context.Context, id string) error
	DeleteTask(ctx context.Context, id string) error

	// Runs. Terminal run states are immutable: CompleteRun and CancelRun
	// refuse to touch a run that already reached one.
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, taskID string, limit int) ([]*Run, error)
	MarkRunStarted(ctx context.Context, id string, at time.Time) (bool, error)
	CompleteRun(ctx context.Context, id string, state RunState, at time.Time, result, output string) (bool, error)
	CancelRun(ctx context.Context, id string, at time.Time) (bool, error)
	// RunningCount reports in-flight runs for a task (concurrency ceiling).
	RunningCount(ctx context.Context, taskID string) (int, error)

	// Queue. EnqueueEntry is idempotent per (task, scheduled_for): a
	// duplicate insert reports false.
	EnqueueEntry(ctx context.Context, e *QueueEntry) (bool, error)
	LatestScheduledFor(ctx context.Context, taskID string) (time.Time, bool, error)
	// PendingEntries returns pending entries of non-retired tasks in
	// admission order: priority desc, need desc, scheduled_for asc, id asc.
	PendingEntries(ctx context.Context) ([]*QueueEntry, error)
	DispatchEntry(ctx context.Context, id int64, runID string, at time.Time) (bool, error)
	DrainEntry(ctx context.Context, id int64) (bool, error)
	DrainEntryByRun(ctx context.Context, runID string) (bool, error)
	// DispatchedCost sums the resource cost currently charged against the
	// budget (entries in dispatched state).
	DispatchedCost(ctx context.Context) (int, error)
	DispatchedEntries(ctx context.Context) ([]*QueueEntry, error)

	// Flat settings.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}

// Open initializes the SQLite store at cfg.Path, applying migrations.
// A store that cannot be opened or migrated is a startup-fatal condition
// for the daemon; Open never degrades to an in-memory fallback.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
