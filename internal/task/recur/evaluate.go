// Package recur expands enabled task definitions into pending queue entries.
//
// Evaluation is idempotent: it materializes at most one entry per task per
// call (the most recent due instant), and the store's unique
// (task, scheduled_for) index rejects duplicates. That property is what
// allows the scheduling loop to be a simple poller instead of a timer wheel.
package recur

import (
	"context"
	"fmt"
	"time"

	"questd/internal/eventbus"
	"questd/internal/storage"
	logx "questd/pkg/logx"
)

type Evaluator struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
}

func New(store storage.Store, log logx.Logger, bus eventbus.Bus) *Evaluator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Evaluator{store: store, log: log, bus: bus}
}

// Evaluate scans all active+enabled tasks and inserts a pending queue entry
// for each task with a due instant <= now that is not yet represented in the
// queue. It returns the number of entries created.
//
// A malformed schedule is a per-task error: it is logged and the task is
// skipped, never stopping the scan. Store errors abort the whole pass; the
// caller retries next cycle.
func (ev *Evaluator) Evaluate(ctx context.Context, now time.Time, catchup time.Duration) (int, error) {
	tasks, err := ev.store.ListEvaluable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list evaluable tasks: %w", err)
	}

	created := 0
	for _, task := range tasks {
		n, err := ev.evaluateTask(ctx, task, now, catchup)
		if err != nil {
			return created, err
		}
		created += n
	}
	return created, nil
}

func (ev *Evaluator) evaluateTask(ctx context.Context, task *storage.Task, now time.Time, catchup time.Duration) (int, error) {
	spec, err := Parse(task.Schedule)
	if err != nil {
		// Bad schedule on one task must never halt evaluation of the rest.
		ev.log.Warn("schedule unparseable, task skipped",
			logx.String("task", task.Name), logx.String("schedule", task.Schedule), logx.Err(err))
		return 0, nil
	}

	last, found, err := ev.store.LatestScheduledFor(ctx, task.ID)
	if err != nil {
		return 0, fmt.Errorf("latest scheduled_for of %s: %w", task.Name, err)
	}
	if !found {
		last = task.CreatedAt
	}
	// Clamp the scan window so a task idle for months doesn't spin the cron
	// iterator. Only the newest missed instant is materialized anyway.
	if catchup > 0 {
		if floor := now.Add(-catchup); last.Before(floor) && floor.After(task.CreatedAt) {
			last = floor
		}
	}

	due, ok := spec.LatestDue(last, now, task.CreatedAt)
	if !ok {
		return 0, nil
	}

	entry := &storage.QueueEntry{
		TaskID:       task.ID,
		State:        storage.EntryPending,
		ScheduledFor: due,
		// Snapshot the task's weights; later edits must not reorder this entry.
		Priority:        task.Priority,
		Need:            task.Need,
		ResourceCost:    task.ResourceCost,
		RequiresNetwork: task.RequiresNetwork,
	}
	inserted, err := ev.store.EnqueueEntry(ctx, entry)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", task.Name, err)
	}
	if !inserted {
		// Another pass already materialized this instant.
		return 0, nil
	}

	ev.log.Debug("queue entry created",
		logx.String("task", task.Name), logx.Time("scheduled_for", due), logx.Int64("entry", entry.ID))
	if ev.bus != nil {
		ev.bus.Publish(eventbus.Event{Type: eventbus.EventTaskEnqueued, Data: EnqueueEvent{
			TaskID: task.ID, TaskName: task.Name, EntryID: entry.ID, ScheduledFor: due,
		}})
	}
	return 1, nil
}

// EnqueueEvent is published on the bus for every materialized entry.
type EnqueueEvent struct {
	TaskID       string
	TaskName     string
	EntryID      int64
	ScheduledFor time.Time
}
