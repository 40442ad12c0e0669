package recur

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"questd/internal/settings"
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

func seedTask(t *testing.T, st storage.Store, id, name, schedule string, createdAt time.Time, mut func(*storage.Task)) *storage.Task {
	t.Helper()
	task := &storage.Task{
		ID: id, Name: name, Schedule: schedule,
		Enabled: true, State: storage.TaskActive,
		Priority: 5, Need: 5, ResourceCost: 1,
		Kind: "shell", CreatedAt: createdAt,
	}
	if mut != nil {
		mut(task)
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return task
}

func TestEvaluateIdempotent(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)

	seedTask(t, st, "t1", "hourly-sync", "0 * * * *", created, nil)

	ev := New(st, logx.Nop(), nil)
	n, err := ev.Evaluate(ctx, now, settings.DefaultCatchupWindow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 1 {
		t.Fatalf("created = %d, want 1", n)
	}

	// Second pass with the same now: no duplicates.
	n, err = ev.Evaluate(ctx, now, settings.DefaultCatchupWindow)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if n != 0 {
		t.Fatalf("second pass created %d entries", n)
	}

	pending, _ := st.PendingEntries(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	want := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	if !pending[0].ScheduledFor.Equal(want) {
		t.Fatalf("scheduled_for = %v, want %v", pending[0].ScheduledFor, want)
	}

	// Time moves: the next instant is materialized.
	n, _ = ev.Evaluate(ctx, now.Add(time.Hour), settings.DefaultCatchupWindow)
	if n != 1 {
		t.Fatalf("created = %d after the next hour, want 1", n)
	}
}

func TestEvaluateSkipsMalformedSchedule(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedTask(t, st, "bad", "broken", "not a schedule at all ever", created, nil)
	seedTask(t, st, "good", "working", "30m", created, nil)

	ev := New(st, logx.Nop(), nil)
	n, err := ev.Evaluate(ctx, created.Add(45*time.Minute), settings.DefaultCatchupWindow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 1 {
		t.Fatalf("created = %d, want 1 (good task only)", n)
	}
	pending, _ := st.PendingEntries(ctx)
	if len(pending) != 1 || pending[0].TaskID != "good" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
	// The bad task is skipped, not disabled.
	task, _ := st.GetTask(ctx, "bad")
	if !task.Enabled || task.State != storage.TaskActive {
		t.Fatal("malformed schedule disabled the task")
	}
}

func TestEvaluateSnapshotsWeights(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedTask(t, st, "t1", "heavy", "1h", created, func(task *storage.Task) {
		task.Priority = 8
		task.Need = 3
		task.ResourceCost = 4
		task.RequiresNetwork = true
	})

	ev := New(st, logx.Nop(), nil)
	if _, err := ev.Evaluate(ctx, created.Add(2*time.Hour), settings.DefaultCatchupWindow); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	pending, _ := st.PendingEntries(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
	e := pending[0]
	if e.Priority != 8 || e.Need != 3 || e.ResourceCost != 4 || !e.RequiresNetwork {
		t.Fatalf("weights not snapshotted: %+v", e)
	}
}

func TestEvaluateCatchupClamp(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)

	// Task created long ago; only the most recent missed instant within the
	// window is materialized.
	seedTask(t, st, "t1", "ancient", "0 * * * *", now.Add(-90*24*time.Hour), nil)

	ev := New(st, logx.Nop(), nil)
	n, err := ev.Evaluate(ctx, now, 24*time.Hour)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 1 {
		t.Fatalf("created = %d, want 1", n)
	}
	pending, _ := st.PendingEntries(ctx)
	want := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	if !pending[0].ScheduledFor.Equal(want) {
		t.Fatalf("scheduled_for = %v, want %v", pending[0].ScheduledFor, want)
	}
}

func TestEvaluateIgnoresDisabledAndRetired(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedTask(t, st, "off", "disabled", "1h", created, func(task *storage.Task) {
		task.Enabled = false
		task.State = storage.TaskDefined
	})
	gone := seedTask(t, st, "gone", "retired", "1h", created, nil)
	if err := st.RetireTask(ctx, gone.ID); err != nil {
		t.Fatalf("retire: %v", err)
	}

	ev := New(st, logx.Nop(), nil)
	n, err := ev.Evaluate(ctx, created.Add(3*time.Hour), settings.DefaultCatchupWindow)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if n != 0 {
		t.Fatalf("created %d entries for non-evaluable tasks", n)
	}
}
