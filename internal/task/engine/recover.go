package engine

import (
	"context"
	"fmt"
	"time"

	"questd/internal/storage"
	logx "questd/pkg/logx"
)

// Recover reconciles store state after an unclean shutdown and returns the
// dispatches that should be re-submitted.
//
// Classification of each dispatched entry by its run's state:
//   - run running: the process died mid-run. The run is failed with result
//     "interrupted" and the entry drained. Re-running automatically would
//     break the at-most-once guarantee for runs that had side effects.
//   - run queued: admitted but never picked up. Safe to re-offer as-is; the
//     runner was never invoked.
//   - run terminal: the completion landed but the drain didn't. Drain now.
//   - run missing: dispatch was recorded without its run. Drain; the next
//     evaluation re-materializes the instant if it is still due.
func (s *Service) Recover(ctx context.Context) ([]Dispatch, error) {
	now := time.Now().UTC()

	entries, err := s.store.DispatchedEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatched entries: %w", err)
	}

	var reoffer []Dispatch
	for _, entry := range entries {
		if entry.RunID == "" {
			if _, err := s.store.DrainEntry(ctx, entry.ID); err != nil {
				return reoffer, fmt.Errorf("drain runless entry %d: %w", entry.ID, err)
			}
			s.log.Warn("dispatched entry had no run, drained", logx.Int64("entry", entry.ID))
			continue
		}

		run, err := s.store.GetRun(ctx, entry.RunID)
		if err == storage.ErrNotFound {
			if _, err := s.store.DrainEntry(ctx, entry.ID); err != nil {
				return reoffer, fmt.Errorf("drain orphan entry %d: %w", entry.ID, err)
			}
			s.log.Warn("dispatched entry's run missing, drained",
				logx.Int64("entry", entry.ID), logx.String("run", entry.RunID))
			continue
		}
		if err != nil {
			return reoffer, fmt.Errorf("run %s: %w", entry.RunID, err)
		}

		switch {
		case run.State == storage.RunRunning:
			if _, err := s.store.CompleteRun(ctx, run.ID, storage.RunFailed, now, "interrupted", ""); err != nil {
				return reoffer, fmt.Errorf("fail interrupted run %s: %w", run.ID, err)
			}
			if _, err := s.store.DrainEntry(ctx, entry.ID); err != nil {
				return reoffer, fmt.Errorf("drain interrupted entry %d: %w", entry.ID, err)
			}
			s.log.Warn("run was interrupted by shutdown, marked failed",
				logx.String("run", run.ID), logx.String("task", run.TaskID))

		case run.State == storage.RunQueued:
			task, err := s.store.GetTask(ctx, entry.TaskID)
			if err != nil {
				return reoffer, fmt.Errorf("task %s: %w", entry.TaskID, err)
			}
			reoffer = append(reoffer, Dispatch{Entry: entry, Run: run, Task: task})

		case run.State.Terminal():
			if _, err := s.store.DrainEntry(ctx, entry.ID); err != nil {
				return reoffer, fmt.Errorf("drain settled entry %d: %w", entry.ID, err)
			}
		}
	}

	// Runs stuck in running without a dispatched entry (the entry drained
	// but completion never landed) also need settling.
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return reoffer, fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		runs, err := s.store.ListRuns(ctx, task.ID, 0)
		if err != nil {
			return reoffer, fmt.Errorf("runs of %s: %w", task.ID, err)
		}
		for _, run := range runs {
			if run.State != storage.RunRunning {
				continue
			}
			if _, err := s.store.CompleteRun(ctx, run.ID, storage.RunFailed, now, "interrupted", ""); err != nil {
				return reoffer, fmt.Errorf("fail stray run %s: %w", run.ID, err)
			}
			s.log.Warn("stray running run settled as interrupted", logx.String("run", run.ID))
		}
	}

	if len(reoffer) > 0 {
		s.log.Info("recovered dispatches to re-offer", logx.Int("count", len(reoffer)))
	}
	return reoffer, nil
}
