package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"questd/internal/runner"
	"questd/internal/settings"
	"questd/internal/storage"
	logx "questd/pkg/logx"
)

type fakeRunner struct {
	mu sync.Mutex
	fn func(ctx context.Context, kind string, payload []byte) (runner.Outcome, error)
}

func (f *fakeRunner) Run(ctx context.Context, kind string, payload []byte) (runner.Outcome, error) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return runner.Outcome{OK: true, Result: "ok"}, nil
	}
	return fn(ctx, kind, payload)
}

type harness struct {
	store    storage.Store
	settings *settings.Gateway
	runner   *fakeRunner
	svc      *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "questd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fr := &fakeRunner{}
	gw := settings.New(st)
	svc := New(cfg, st, fr, gw, logx.Nop(), nil)
	return &harness{store: st, settings: gw, runner: fr, svc: svc}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.svc.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		h.svc.Stop(stopCtx)
		stopCancel()
		cancel()
	})
}

var dispatchSeq atomic.Int64

func (h *harness) mkDispatch(t *testing.T, taskID string) Dispatch {
	t.Helper()
	ctx := context.Background()
	task, err := h.store.GetTask(ctx, taskID)
	if err == storage.ErrNotFound {
		task = &storage.Task{
			ID: taskID, Name: taskID, Schedule: "1h",
			Enabled: true, State: storage.TaskActive,
			Priority: 5, Need: 5, ResourceCost: 1,
			Kind: "fake", CreatedAt: time.Now().UTC(),
		}
		if err := h.store.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task: %v", err)
		}
	} else if err != nil {
		t.Fatalf("get task: %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(dispatchSeq.Add(1)) * time.Minute)
	entry := &storage.QueueEntry{
		TaskID: taskID, State: storage.EntryPending, ScheduledFor: at,
		Priority: task.Priority, Need: task.Need, ResourceCost: task.ResourceCost,
	}
	if inserted, err := h.store.EnqueueEntry(ctx, entry); err != nil || !inserted {
		t.Fatalf("enqueue: inserted=%v err=%v", inserted, err)
	}
	run := &storage.Run{
		ID: fmt.Sprintf("run-%s-%d", taskID, entry.ID), TaskID: taskID,
		State: storage.RunQueued, CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if ok, err := h.store.DispatchEntry(ctx, entry.ID, run.ID, time.Now().UTC()); err != nil || !ok {
		t.Fatalf("dispatch: ok=%v err=%v", ok, err)
	}
	entry.RunID = run.ID
	entry.State = storage.EntryDispatched
	return Dispatch{Entry: entry, Run: run, Task: task}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitTerminal(t *testing.T, runID string) *storage.Run {
	t.Helper()
	var run *storage.Run
	waitFor(t, "run "+runID+" terminal", func() bool {
		r, err := h.store.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.State.Terminal()
	})
	return run
}

func TestRunSuccessAndFailureRecorded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 2})
	h.runner.fn = func(_ context.Context, _ string, payload []byte) (runner.Outcome, error) {
		if string(payload) == "fail" {
			return runner.Outcome{Result: "exit_1", Output: "boom"}, nil
		}
		return runner.Outcome{OK: true, Result: "ok", Output: "done"}, nil
	}
	h.start(t)
	ctx := context.Background()

	good := h.mkDispatch(t, "good")
	bad := h.mkDispatch(t, "bad")
	bad.Task.Payload = []byte("fail")

	if err := h.svc.Submit(ctx, good); err != nil {
		t.Fatalf("submit good: %v", err)
	}
	if err := h.svc.Submit(ctx, bad); err != nil {
		t.Fatalf("submit bad: %v", err)
	}

	gr := h.waitTerminal(t, good.Run.ID)
	if gr.State != storage.RunSucceeded || gr.Result != "ok" || gr.Output != "done" {
		t.Fatalf("good run = %+v", gr)
	}
	if gr.StartedAt == nil || gr.CompletedAt == nil {
		t.Fatal("good run missing timestamps")
	}

	br := h.waitTerminal(t, bad.Run.ID)
	if br.State != storage.RunFailed || br.Result != "exit_1" {
		t.Fatalf("bad run = %+v", br)
	}

	// Both entries released their budget.
	waitFor(t, "budget released", func() bool {
		cost, err := h.store.DispatchedCost(ctx)
		return err == nil && cost == 0
	})
}

func TestRunnerPanicFailsRunOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	h.runner.fn = func(context.Context, string, []byte) (runner.Outcome, error) {
		panic("driver bug")
	}
	h.start(t)

	d := h.mkDispatch(t, "panicky")
	if err := h.svc.Submit(context.Background(), d); err != nil {
		t.Fatalf("submit: %v", err)
	}
	run := h.waitTerminal(t, d.Run.ID)
	if run.State != storage.RunFailed || run.Result != "panic" {
		t.Fatalf("run = %+v, want failed/panic", run)
	}

	// The worker survived: a second dispatch still executes.
	h.runner.mu.Lock()
	h.runner.fn = nil
	h.runner.mu.Unlock()
	d2 := h.mkDispatch(t, "after")
	if err := h.svc.Submit(context.Background(), d2); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	if run := h.waitTerminal(t, d2.Run.ID); run.State != storage.RunSucceeded {
		t.Fatalf("run after panic = %+v", run)
	}
}

func TestWatchdogTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1, DefaultTimeout: 100 * time.Millisecond})
	h.runner.fn = func(ctx context.Context, _ string, _ []byte) (runner.Outcome, error) {
		<-ctx.Done()
		return runner.Outcome{}, ctx.Err()
	}
	h.start(t)

	d := h.mkDispatch(t, "slow")
	if err := h.svc.Submit(context.Background(), d); err != nil {
		t.Fatalf("submit: %v", err)
	}
	run := h.waitTerminal(t, d.Run.ID)
	if run.State != storage.RunFailed || run.Result != "timeout" {
		t.Fatalf("run = %+v, want failed/timeout", run)
	}
}

func TestCancelBeforePickupSkipsExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	var invoked atomic.Bool
	h.runner.fn = func(context.Context, string, []byte) (runner.Outcome, error) {
		invoked.Store(true)
		return runner.Outcome{OK: true, Result: "ok"}, nil
	}

	d := h.mkDispatch(t, "t")
	ctx := context.Background()
	if ok, err := h.svc.Cancel(ctx, d.Run.ID); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	h.start(t)
	if err := h.svc.Submit(ctx, d); err != nil {
		t.Fatalf("submit: %v", err)
	}

	run := h.waitTerminal(t, d.Run.ID)
	if run.State != storage.RunCancelled {
		t.Fatalf("run = %+v, want cancelled", run)
	}
	waitFor(t, "entry drained", func() bool {
		cost, err := h.store.DispatchedCost(ctx)
		return err == nil && cost == 0
	})
	time.Sleep(50 * time.Millisecond)
	if invoked.Load() {
		t.Fatal("cancelled run still invoked the runner")
	}
}

func TestCancelMidRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	running := make(chan struct{})
	h.runner.fn = func(ctx context.Context, _ string, _ []byte) (runner.Outcome, error) {
		close(running)
		<-ctx.Done()
		return runner.Outcome{}, ctx.Err()
	}
	h.start(t)
	ctx := context.Background()

	d := h.mkDispatch(t, "t")
	if err := h.svc.Submit(ctx, d); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-running

	if ok, err := h.svc.Cancel(ctx, d.Run.ID); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	run := h.waitTerminal(t, d.Run.ID)
	if run.State != storage.RunCancelled {
		t.Fatalf("run = %+v, want cancelled (terminal state is immutable)", run)
	}
	// The worker's late completion attempt must not overwrite cancelled.
	time.Sleep(100 * time.Millisecond)
	run, _ = h.store.GetRun(ctx, d.Run.ID)
	if run.State != storage.RunCancelled {
		t.Fatalf("run flipped to %s after cancellation", run.State)
	}
}

func TestPerTaskConcurrencyCeiling(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 4})

	var inFlight, peak atomic.Int32
	h.runner.fn = func(ctx context.Context, _ string, _ []byte) (runner.Outcome, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return runner.Outcome{OK: true, Result: "ok"}, nil
	}
	h.start(t)
	ctx := context.Background()

	// Default ceiling is 1: three dispatches of one task serialize even with
	// four workers.
	var dispatches []Dispatch
	for i := 0; i < 3; i++ {
		dispatches = append(dispatches, h.mkDispatch(t, "same"))
	}
	for _, d := range dispatches {
		if err := h.svc.Submit(ctx, d); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for _, d := range dispatches {
		if run := h.waitTerminal(t, d.Run.ID); run.State != storage.RunSucceeded {
			t.Fatalf("run = %+v", run)
		}
	}
	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrency = %d, want 1", p)
	}
}

func TestRecoverClassifiesDispatchedWork(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 1})
	ctx := context.Background()

	// Admitted but never started: re-offered.
	fresh := h.mkDispatch(t, "fresh")

	// Started and interrupted by the crash: failed as "interrupted".
	stuck := h.mkDispatch(t, "stuck")
	if ok, err := h.store.MarkRunStarted(ctx, stuck.Run.ID, time.Now().UTC()); err != nil || !ok {
		t.Fatalf("mark started: ok=%v err=%v", ok, err)
	}

	// Completed but never drained: drained now.
	settled := h.mkDispatch(t, "settled")
	if ok, err := h.store.MarkRunStarted(ctx, settled.Run.ID, time.Now().UTC()); err != nil || !ok {
		t.Fatalf("mark started: ok=%v err=%v", ok, err)
	}
	if ok, err := h.store.CompleteRun(ctx, settled.Run.ID, storage.RunSucceeded, time.Now().UTC(), "ok", ""); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	reoffer, err := h.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(reoffer) != 1 || reoffer[0].Run.ID != fresh.Run.ID {
		t.Fatalf("reoffer = %+v, want only the fresh dispatch", reoffer)
	}

	stuckRun, _ := h.store.GetRun(ctx, stuck.Run.ID)
	if stuckRun.State != storage.RunFailed || stuckRun.Result != "interrupted" {
		t.Fatalf("stuck run = %+v, want failed/interrupted", stuckRun)
	}

	// Only the re-offered entry still holds budget.
	cost, err := h.store.DispatchedCost(ctx)
	if err != nil {
		t.Fatalf("dispatched cost: %v", err)
	}
	if cost != fresh.Entry.ResourceCost {
		t.Fatalf("dispatched cost = %d, want %d", cost, fresh.Entry.ResourceCost)
	}
}
