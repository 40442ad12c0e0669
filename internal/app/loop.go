package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"questd/internal/config"
	"questd/internal/task/engine"
	logx "questd/pkg/logx"
)

// schedulingLoop is the heartbeat: evaluate recurrences, probe the network,
// admit under budget, hand admissions to the executor. The poll interval is
// re-read every cycle so a settings change takes effect on the next tick.
func (a *App) schedulingLoop(ctx context.Context) error {
	for {
		interval, err := a.gateway.PollInterval(ctx)
		if err != nil {
			return fmt.Errorf("poll interval: %w", err)
		}

		if err := a.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A failed cycle is retried on the next tick, not fatal.
			a.log.Warn("scheduling cycle failed", logx.Err(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (a *App) runCycle(ctx context.Context) error {
	now := time.Now().UTC()

	catchup, err := a.gateway.CatchupWindow(ctx)
	if err != nil {
		return fmt.Errorf("catchup window: %w", err)
	}
	created, err := a.eval.Evaluate(ctx, now, catchup)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	budget, err := a.gateway.BudgetPerCycle(ctx)
	if err != nil {
		return fmt.Errorf("budget: %w", err)
	}

	networkUp := true
	if checkNet, err := a.gateway.NetworkCheckEnabled(ctx); err != nil {
		return fmt.Errorf("network check setting: %w", err)
	} else if checkNet {
		networkUp = a.probe.Up(ctx)
	}

	admitted, err := a.admit.Admit(ctx, budget, networkUp)
	if err != nil {
		return fmt.Errorf("admit: %w", err)
	}
	for _, adm := range admitted {
		d := engine.Dispatch{Entry: adm.Entry, Run: adm.Run, Task: adm.Task}
		if err := a.engine.Submit(ctx, d); err != nil {
			return fmt.Errorf("submit run %s: %w", adm.Run.ID, err)
		}
	}

	if created > 0 || len(admitted) > 0 {
		a.log.Debug("cycle complete",
			logx.Int("enqueued", created), logx.Int("admitted", len(admitted)),
			logx.Bool("network_up", networkUp), logx.Duration("took", time.Since(now)))
	}
	return nil
}

// watchConfig applies hot-reloadable sections of the config file. Storage
// and engine pool changes need a restart and are only surfaced.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, taskChanged := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config changed", fields...)
				lastApplied = newCfg

				for _, s := range sections {
					switch s {
					case "logging":
						a.logs.Apply(logx.Config{
							Level:   newCfg.Logging.Level,
							Console: newCfg.Logging.Console,
							File: logx.FileConfig{
								Enabled: newCfg.Logging.File.Enabled,
								Path:    newCfg.Logging.File.Path,
							},
						})
					case "tasks":
						if err := a.syncTasks(c, newCfg); err != nil {
							a.log.Warn("task resync failed; keeping stored definitions", logx.Err(err))
						} else {
							a.log.Info("task definitions resynced", logx.Any("tasks", taskChanged))
						}
					case "storage", "engine":
						a.log.Warn("section requires a restart to take effect", logx.String("section", s))
					case "scheduler":
						a.log.Info("scheduler values in the file only seed first boot; use the settings table for runtime changes")
					case "netprobe":
						a.log.Warn("netprobe changes take effect after restart")
					}
				}
			}
		}
	})
}
