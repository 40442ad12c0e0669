// Package queue admits pending queue entries into execution under a
// per-cycle resource budget.
//
// Admission order is fixed: priority desc, need desc, scheduled_for asc,
// entry id asc. The ordering is computed from the weights snapshotted on the
// entry, so editing a task never reorders work already queued.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"questd/internal/eventbus"
	"questd/internal/storage"
	logx "questd/pkg/logx"
)

// Admission pairs a dispatched entry with the run created for it. The
// executor receives these and is the only component that touches the run
// afterwards.
type Admission struct {
	Entry *storage.QueueEntry
	Run   *storage.Run
	Task  *storage.Task
}

type Controller struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	now func() time.Time
}

func New(store storage.Store, log logx.Logger, bus eventbus.Bus) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{store: store, log: log, bus: bus, now: time.Now}
}

// Admit walks the pending queue in admission order and dispatches entries
// until the budget is exhausted.
//
// The remaining budget is recomputed from the store each call: budget minus
// the summed cost of entries still in dispatched state. That makes admission
// crash-safe; a restart never double-charges work already in flight.
//
// Two different skip behaviors, deliberately asymmetric:
//   - A network-gated entry while the network is down is skipped and the
//     walk continues. It holds no budget, so entries behind it may pass.
//   - The first entry whose cost exceeds the remaining budget STOPS the
//     walk. Admitting a cheaper entry from further back would reorder the
//     queue and starve expensive high-priority work indefinitely.
func (c *Controller) Admit(ctx context.Context, budget int, networkUp bool) ([]Admission, error) {
	if budget <= 0 {
		return nil, nil
	}

	charged, err := c.store.DispatchedCost(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatched cost: %w", err)
	}
	remaining := budget - charged
	if remaining <= 0 {
		return nil, nil
	}

	pending, err := c.store.PendingEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending entries: %w", err)
	}

	var admitted []Admission
	for _, entry := range pending {
		if entry.RequiresNetwork && !networkUp {
			c.log.Debug("entry held, network down",
				logx.Int64("entry", entry.ID), logx.String("task", entry.TaskID))
			continue
		}
		if entry.ResourceCost > remaining {
			// Head-of-line blocking is intentional; see the doc comment.
			break
		}

		adm, ok, err := c.dispatch(ctx, entry)
		if err != nil {
			return admitted, err
		}
		if !ok {
			// Lost the CAS to a concurrent pass; no budget was charged.
			continue
		}
		remaining -= entry.ResourceCost
		admitted = append(admitted, adm)
	}
	return admitted, nil
}

func (c *Controller) dispatch(ctx context.Context, entry *storage.QueueEntry) (Admission, bool, error) {
	task, err := c.store.GetTask(ctx, entry.TaskID)
	if err != nil {
		return Admission{}, false, fmt.Errorf("task %s of entry %d: %w", entry.TaskID, entry.ID, err)
	}

	now := c.now().UTC()
	run := &storage.Run{
		ID:        uuid.NewString(),
		TaskID:    entry.TaskID,
		State:     storage.RunQueued,
		CreatedAt: now,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return Admission{}, false, fmt.Errorf("create run for entry %d: %w", entry.ID, err)
	}

	ok, err := c.store.DispatchEntry(ctx, entry.ID, run.ID, now)
	if err != nil {
		return Admission{}, false, fmt.Errorf("dispatch entry %d: %w", entry.ID, err)
	}
	if !ok {
		// Entry changed state under us. The run never left queued; cancel it
		// so the orphan is visibly terminal instead of stuck.
		if _, err := c.store.CancelRun(ctx, run.ID, now); err != nil {
			return Admission{}, false, fmt.Errorf("cancel orphan run %s: %w", run.ID, err)
		}
		return Admission{}, false, nil
	}

	entry.RunID = run.ID
	entry.State = storage.EntryDispatched

	c.log.Info("run admitted",
		logx.String("task", task.Name), logx.String("run", run.ID),
		logx.Int64("entry", entry.ID), logx.Int("cost", entry.ResourceCost))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.EventRunAdmitted, Data: AdmitEvent{
			TaskID: task.ID, TaskName: task.Name, RunID: run.ID, EntryID: entry.ID,
		}})
	}
	return Admission{Entry: entry, Run: run, Task: task}, true, nil
}

// AdmitEvent is published on the bus for every dispatched entry.
type AdmitEvent struct {
	TaskID   string
	TaskName string
	RunID    string
	EntryID  int64
}
