package engine

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"questd/internal/eventbus"
	"questd/internal/runner"
	"questd/internal/settings"
	"questd/internal/storage"
	logx "questd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Dispatch) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case d, ok := <-queue:
			if !ok {
				return
			}

			gate := s.groups.get(d.Task.ID, s.taskConcurrency(ctx))
			if gate != nil && !gate.tryAcquire() {
				// Task is at its concurrency ceiling: put the dispatch back
				// and pick up other work. It holds its budget while parked.
				select {
				case <-ctx.Done():
					return
				case <-stopCh:
					return
				case queue <- d:
				}
				runtime.Gosched()
				continue
			}

			s.execOne(ctx, d)
			if gate != nil {
				gate.release()
			}
		}
	}
}

func (s *Service) taskConcurrency(ctx context.Context) int {
	if s.settings == nil {
		return settings.DefaultTaskConcurrency
	}
	n, err := s.settings.TaskConcurrency(ctx)
	if err != nil {
		s.log.Warn("task concurrency unreadable, using default", logx.Err(err))
		return settings.DefaultTaskConcurrency
	}
	return n
}

func (s *Service) execOne(ctx context.Context, d Dispatch) {
	start := time.Now().UTC()

	started, err := s.store.MarkRunStarted(ctx, d.Run.ID, start)
	if err != nil {
		s.log.Error("mark run started", logx.String("run", d.Run.ID), logx.Err(err))
		return
	}
	if !started {
		// The run left queued before we got here, i.e. it was cancelled.
		// Release the entry's budget and move on.
		if _, err := s.store.DrainEntry(ctx, d.Entry.ID); err != nil {
			s.log.Error("drain skipped entry", logx.Int64("entry", d.Entry.ID), logx.Err(err))
		}
		return
	}

	s.log.Debug("run started",
		logx.String("task", d.Task.Name), logx.String("run", d.Run.ID),
		logx.Time("scheduled_for", d.Entry.ScheduledFor))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventRunStarted, Time: start, Data: RunEvent{
			TaskID: d.Task.ID, TaskName: d.Task.Name, RunID: d.Run.ID,
		}})
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.DefaultTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.DefaultTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	untrack := s.trackCancel(d.Run.ID, cancel)

	out, runErr, panicked := s.invoke(runCtx, d)

	untrack()
	cancel()

	state, result, output := classify(runCtx, out, runErr, panicked)
	s.finish(ctx, d, state, result, output, start)
}

// invoke calls the runner with panic isolation. A panicking driver fails the
// run, never the worker.
func (s *Service) invoke(ctx context.Context, d Dispatch) (out runner.Outcome, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			s.log.Error("runner panicked",
				logx.String("task", d.Task.Name), logx.String("run", d.Run.ID),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	out, err = s.runner.Run(ctx, d.Task.Kind, d.Task.Payload)
	return
}

func classify(runCtx context.Context, out runner.Outcome, runErr error, panicked bool) (storage.RunState, string, string) {
	switch {
	case panicked:
		return storage.RunFailed, "panic", ""
	case runErr != nil:
		if runCtx.Err() == context.DeadlineExceeded {
			return storage.RunFailed, "timeout", runErr.Error()
		}
		return storage.RunFailed, "runner_error", runErr.Error()
	case out.OK:
		return storage.RunSucceeded, out.Result, out.Output
	default:
		result := out.Result
		if result == "" {
			result = "failed"
		}
		return storage.RunFailed, result, out.Output
	}
}

// finish records the terminal state and releases the entry's budget.
//
// Completion uses the parent context, not the (possibly expired) run
// context: a timed-out run must still be recorded.
func (s *Service) finish(ctx context.Context, d Dispatch, state storage.RunState, result, output string, start time.Time) {
	end := time.Now().UTC()

	completed, err := s.store.CompleteRun(ctx, d.Run.ID, state, end, result, output)
	if err != nil {
		s.log.Error("complete run", logx.String("run", d.Run.ID), logx.Err(err))
	}
	if !completed && err == nil {
		// Cancelled out from under us mid-run. Cancel already drained the
		// entry; nothing left to record.
		s.log.Debug("run reached terminal state elsewhere", logx.String("run", d.Run.ID))
		return
	}

	if _, err := s.store.DrainEntry(ctx, d.Entry.ID); err != nil {
		s.log.Error("drain entry", logx.Int64("entry", d.Entry.ID), logx.Err(err))
	}

	dur := end.Sub(start)
	if state == storage.RunFailed {
		s.log.Warn("run failed",
			logx.String("task", d.Task.Name), logx.String("run", d.Run.ID),
			logx.String("result", result), logx.Duration("took", dur))
	} else {
		s.log.Info("run succeeded",
			logx.String("task", d.Task.Name), logx.String("run", d.Run.ID),
			logx.String("result", result), logx.Duration("took", dur))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventRunCompleted, Time: end, Data: RunEvent{
			TaskID: d.Task.ID, TaskName: d.Task.Name, RunID: d.Run.ID,
			Result: result, Duration: dur,
		}})
	}
}
