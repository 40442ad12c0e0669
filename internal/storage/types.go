package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// TaskState is the lifecycle marker on a task definition.
//
// defined: declared but not evaluable (disabled)
// active:  enabled and scanned by the recurrence evaluator
// retired: soft-deleted; excluded from evaluation and admission
type TaskState string

const (
	TaskDefined TaskState = "defined"
	TaskActive  TaskState = "active"
	TaskRetired TaskState = "retired"
)

// ParseTaskState validates a stored task state. Unknown values are a
// corruption error, not a silently-accepted string.
func ParseTaskState(s string) (TaskState, error) {
	switch TaskState(s) {
	case TaskDefined, TaskActive, TaskRetired:
		return TaskState(s), nil
	}
	return "", fmt.Errorf("corrupt task state %q", s)
}

// RunState is the lifecycle of a single execution attempt.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

func ParseRunState(s string) (RunState, error) {
	switch RunState(s) {
	case RunQueued, RunRunning, RunSucceeded, RunFailed, RunCancelled:
		return RunState(s), nil
	}
	return "", fmt.Errorf("corrupt run state %q", s)
}

// EntryState is the lifecycle of a queue entry.
//
// pending:    waiting for admission
// dispatched: admitted and charged against the budget
// drained:    consumed; its run reached a terminal state (kept for audit)
type EntryState string

const (
	EntryPending    EntryState = "pending"
	EntryDispatched EntryState = "dispatched"
	EntryDrained    EntryState = "drained"
)

func ParseEntryState(s string) (EntryState, error) {
	switch EntryState(s) {
	case EntryPending, EntryDispatched, EntryDrained:
		return EntryState(s), nil
	}
	return "", fmt.Errorf("corrupt queue entry state %q", s)
}

// Task is a durable, user-declared unit of recurring work.
type Task struct {
	ID          string
	Name        string
	Description string

	// Schedule is a recurrence expression (cron spec, @every, duration, HH:MM).
	Schedule string
	// Provider optionally names the execution backend/category.
	Provider string
	Enabled  bool

	// Priority is the primary admission weight; higher wins.
	Priority int
	// Need breaks ties between tasks of equal priority; higher wins.
	Need int

	// Mission and Objective are free-form grouping labels; the engine does
	// not interpret them.
	Mission   string
	Objective string

	// ResourceCost is the number of budget units the task holds while a run
	// is in flight. Always >= 1.
	ResourceCost int
	// RequiresNetwork gates admission on the network-availability signal.
	RequiresNetwork bool

	// Kind tells the runner how to interpret Payload.
	Kind string
	// Payload is forwarded verbatim to the runner.
	Payload []byte

	State     TaskState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Run is one concrete execution attempt, owned by exactly one task.
type Run struct {
	ID     string
	TaskID string
	State  RunState

	StartedAt   *time.Time
	CompletedAt *time.Time

	// Result is the terminal outcome code (e.g. "ok", "exit_1", "timeout").
	Result string
	// Output is the captured runner output.
	Output string

	CreatedAt time.Time
}

// QueueEntry is a pending-admission record. Weights are a snapshot of the
// owning task at enqueue time; later task edits never reorder queued entries.
type QueueEntry struct {
	ID     int64 // monotonically increasing; final admission tie-break
	TaskID string
	RunID  string // empty until dispatched

	State        EntryState
	ScheduledFor time.Time
	ProcessedAt  *time.Time

	Priority        int
	Need            int
	ResourceCost    int
	RequiresNetwork bool

	CreatedAt time.Time
}
