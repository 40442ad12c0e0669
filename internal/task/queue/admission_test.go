package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"questd/internal/storage"
	logx "questd/pkg/logx"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "questd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedTask(t *testing.T, st storage.Store, id string, mut func(*storage.Task)) *storage.Task {
	t.Helper()
	task := &storage.Task{
		ID: id, Name: id, Schedule: "1h",
		Enabled: true, State: storage.TaskActive,
		Priority: 5, Need: 5, ResourceCost: 1,
		Kind: "shell", CreatedAt: time.Now().UTC(),
	}
	if mut != nil {
		mut(task)
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return task
}

func enqueue(t *testing.T, st storage.Store, task *storage.Task, at time.Time) *storage.QueueEntry {
	t.Helper()
	e := &storage.QueueEntry{
		TaskID: task.ID, State: storage.EntryPending, ScheduledFor: at,
		Priority: task.Priority, Need: task.Need,
		ResourceCost: task.ResourceCost, RequiresNetwork: task.RequiresNetwork,
	}
	inserted, err := st.EnqueueEntry(context.Background(), e)
	if err != nil || !inserted {
		t.Fatalf("enqueue for %s: inserted=%v err=%v", task.ID, inserted, err)
	}
	return e
}

func TestAdmitOrderAndBudget(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	low := seedTask(t, st, "low", func(x *storage.Task) { x.Priority = 1 })
	mid := seedTask(t, st, "mid", func(x *storage.Task) { x.Priority = 5; x.Need = 2 })
	high := seedTask(t, st, "high", func(x *storage.Task) { x.Priority = 5; x.Need = 9 })

	enqueue(t, st, low, at)
	enqueue(t, st, mid, at)
	enqueue(t, st, high, at)

	c := New(st, logx.Nop(), nil)
	admitted, err := c.Admit(ctx, 2, true)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if len(admitted) != 2 {
		t.Fatalf("admitted = %d, want 2", len(admitted))
	}
	if admitted[0].Task.ID != "high" || admitted[1].Task.ID != "mid" {
		t.Fatalf("order = [%s %s], want [high mid]", admitted[0].Task.ID, admitted[1].Task.ID)
	}
	for _, a := range admitted {
		if a.Run.State != storage.RunQueued || a.Run.ID == "" {
			t.Fatalf("run not queued: %+v", a.Run)
		}
		if a.Entry.State != storage.EntryDispatched || a.Entry.RunID != a.Run.ID {
			t.Fatalf("entry not dispatched: %+v", a.Entry)
		}
	}

	// Budget is fully charged by in-flight work: nothing else passes.
	admitted, err = c.Admit(ctx, 2, true)
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if len(admitted) != 0 {
		t.Fatalf("second admit passed %d entries with no free budget", len(admitted))
	}

	// Draining one dispatched entry frees its cost for the low task.
	if ok, err := st.DrainEntryByRun(ctx, admitted0RunID(t, st)); err != nil || !ok {
		t.Fatalf("drain: ok=%v err=%v", ok, err)
	}
	admitted, err = c.Admit(ctx, 2, true)
	if err != nil {
		t.Fatalf("third admit: %v", err)
	}
	if len(admitted) != 1 || admitted[0].Task.ID != "low" {
		t.Fatalf("admitted after drain = %+v, want the low task", admitted)
	}
}

func admitted0RunID(t *testing.T, st storage.Store) string {
	t.Helper()
	entries, err := st.DispatchedEntries(context.Background())
	if err != nil || len(entries) == 0 {
		t.Fatalf("dispatched entries: n=%d err=%v", len(entries), err)
	}
	return entries[0].RunID
}

func TestAdmitStopsAtFirstBudgetMisfit(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Three entries of cost 2 against a budget of 3: exactly one is admitted.
	// The second misfit blocks the third even though it would also misfit;
	// nothing cheaper may jump the line.
	for _, id := range []string{"a", "b", "c"} {
		task := seedTask(t, st, id, func(x *storage.Task) { x.ResourceCost = 2 })
		enqueue(t, st, task, at)
	}
	cheap := seedTask(t, st, "cheap", func(x *storage.Task) { x.Priority = 1 })
	enqueue(t, st, cheap, at)

	c := New(st, logx.Nop(), nil)
	admitted, err := c.Admit(ctx, 3, true)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if len(admitted) != 1 {
		t.Fatalf("admitted = %d, want 1", len(admitted))
	}
	if admitted[0].Task.ID == "cheap" {
		t.Fatal("low-priority entry jumped the budget-blocked head of the queue")
	}
}

func TestAdmitNetworkGateSkipsWithoutCharge(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	netTask := seedTask(t, st, "net", func(x *storage.Task) {
		x.Priority = 9
		x.RequiresNetwork = true
	})
	local := seedTask(t, st, "local", func(x *storage.Task) { x.Priority = 1 })
	enqueue(t, st, netTask, at)
	enqueue(t, st, local, at)

	c := New(st, logx.Nop(), nil)

	// Network down: the gated head is held, the walk continues past it.
	admitted, err := c.Admit(ctx, 4, false)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if len(admitted) != 1 || admitted[0].Task.ID != "local" {
		t.Fatalf("admitted = %+v, want only the local task", admitted)
	}

	// Network back: the held entry goes through.
	admitted, err = c.Admit(ctx, 4, true)
	if err != nil {
		t.Fatalf("admit with network: %v", err)
	}
	if len(admitted) != 1 || admitted[0].Task.ID != "net" {
		t.Fatalf("admitted = %+v, want the gated task", admitted)
	}
}

func TestAdmitZeroBudget(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	task := seedTask(t, st, "t", nil)
	enqueue(t, st, task, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	c := New(st, logx.Nop(), nil)
	admitted, err := c.Admit(context.Background(), 0, true)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if len(admitted) != 0 {
		t.Fatalf("admitted %d entries with zero budget", len(admitted))
	}
}
