package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"questd/internal/config"
	"questd/internal/settings"
	"questd/internal/storage"
	"questd/internal/task/recur"
	logx "questd/pkg/logx"
)

// seedSettings writes scheduler knobs from the config file into the settings
// table, but only for keys the table does not hold yet. After first boot the
// table is authoritative; the file is just the bootstrap.
func (a *App) seedSettings(ctx context.Context, cfg *config.Config) error {
	seed := func(key, value string) error {
		if value == "" {
			return nil
		}
		if _, exists, err := a.store.GetSetting(ctx, key); err != nil {
			return fmt.Errorf("read setting %s: %w", key, err)
		} else if exists {
			return nil
		}
		if err := a.store.SetSetting(ctx, key, value); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
		a.log.Info("setting seeded from config", logx.String("key", key), logx.String("value", value))
		return nil
	}

	if v := strings.TrimSpace(cfg.Scheduler.PollInterval); v != "" {
		d, err := config.ParseDurationField("scheduler.poll_interval", v)
		if err != nil {
			return err
		}
		if err := seed(settings.KeyPollInterval, d.String()); err != nil {
			return err
		}
	}
	if cfg.Scheduler.BudgetPerCycle > 0 {
		if err := seed(settings.KeyBudgetPerCycle, strconv.Itoa(cfg.Scheduler.BudgetPerCycle)); err != nil {
			return err
		}
	}
	if cfg.Scheduler.TaskConcurrency > 0 {
		if err := seed(settings.KeyTaskConcurrency, strconv.Itoa(cfg.Scheduler.TaskConcurrency)); err != nil {
			return err
		}
	}
	if v := strings.TrimSpace(cfg.Scheduler.CatchupWindow); v != "" {
		d, err := config.ParseDurationField("scheduler.catchup_window", v)
		if err != nil {
			return err
		}
		if err := seed(settings.KeyCatchupWindow, d.String()); err != nil {
			return err
		}
	}
	if cfg.Scheduler.NetworkCheck != nil {
		if err := seed(settings.KeyNetworkCheckEnabled, strconv.FormatBool(*cfg.Scheduler.NetworkCheck)); err != nil {
			return err
		}
	}
	return nil
}

// syncTasks reconciles declarative task definitions with the store, matched
// by name. Tasks present in the store but absent from the file are left
// alone; retirement is an explicit store operation, not a file edit.
func (a *App) syncTasks(ctx context.Context, cfg *config.Config) error {
	now := time.Now().UTC()
	for i := range cfg.Tasks {
		tc := &cfg.Tasks[i]
		name := strings.TrimSpace(tc.Name)

		// Validate the schedule before it can poison the evaluator's log.
		if _, err := recur.Parse(tc.Schedule); err != nil {
			return fmt.Errorf("task %q: %w", name, err)
		}

		existing, err := a.store.GetTaskByName(ctx, name)
		switch err {
		case nil:
			if applyTaskConfig(existing, tc) {
				if err := a.store.UpdateTask(ctx, existing); err != nil {
					return fmt.Errorf("update task %q: %w", name, err)
				}
				a.log.Info("task updated from config", logx.String("task", name))
			}
		case storage.ErrNotFound:
			task := &storage.Task{
				ID:        uuid.NewString(),
				Name:      name,
				CreatedAt: now,
			}
			applyTaskConfig(task, tc)
			if err := a.store.CreateTask(ctx, task); err != nil {
				return fmt.Errorf("create task %q: %w", name, err)
			}
			a.log.Info("task created from config",
				logx.String("task", name), logx.String("schedule", tc.Schedule))
		default:
			return fmt.Errorf("lookup task %q: %w", name, err)
		}
	}
	return nil
}

// applyTaskConfig copies config-owned fields onto the task and reports
// whether anything changed.
func applyTaskConfig(task *storage.Task, tc *config.TaskConfig) bool {
	cost := tc.ResourceCost
	if cost <= 0 {
		cost = 1
	}
	enabled := tc.TaskEnabled()
	state := storage.TaskDefined
	if enabled {
		state = storage.TaskActive
	}
	if task.State == storage.TaskRetired {
		// Retirement wins over the file; re-adding needs a new name or an
		// explicit un-retire in the store.
		return false
	}

	next := *task
	next.Description = tc.Description
	next.Schedule = strings.TrimSpace(tc.Schedule)
	next.Provider = strings.TrimSpace(tc.Provider)
	next.Enabled = enabled
	next.State = state
	next.Priority = tc.Priority
	next.Need = tc.Need
	next.Mission = strings.TrimSpace(tc.Mission)
	next.Objective = strings.TrimSpace(tc.Objective)
	next.ResourceCost = cost
	next.RequiresNetwork = tc.RequiresNetwork
	next.Kind = strings.TrimSpace(tc.Kind)
	next.Payload = []byte(tc.Payload)

	if tasksEqual(task, &next) {
		return false
	}
	*task = next
	return true
}

func tasksEqual(a, b *storage.Task) bool {
	return a.Description == b.Description &&
		a.Schedule == b.Schedule &&
		a.Provider == b.Provider &&
		a.Enabled == b.Enabled &&
		a.State == b.State &&
		a.Priority == b.Priority &&
		a.Need == b.Need &&
		a.Mission == b.Mission &&
		a.Objective == b.Objective &&
		a.ResourceCost == b.ResourceCost &&
		a.RequiresNetwork == b.RequiresNetwork &&
		a.Kind == b.Kind &&
		string(a.Payload) == string(b.Payload)
}
