package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config is the daemon's file configuration (JSON or YAML).
//
// Scheduler knobs set here only SEED the settings table on first boot; after
// that the table is authoritative and runtime changes go through it.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine,omitempty"`
	Netprobe  NetprobeConfig  `json:"netprobe,omitempty"`

	// Tasks are declarative task definitions synced into the store at
	// startup (matched by name; see the sync rules on TaskConfig).
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the SQLite store of record.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig seeds the runtime settings table.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Zero values mean "leave the stored/default value alone".
type SchedulerConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`
	BudgetPerCycle  int    `json:"budget_per_cycle,omitempty"`
	TaskConcurrency int    `json:"task_concurrency,omitempty"`
	CatchupWindow   string `json:"catchup_window,omitempty"`
	// NetworkCheck is a pointer so "omitted" differs from an explicit false.
	NetworkCheck *bool `json:"network_check,omitempty"`
}

// EngineConfig controls the executor worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
	// DefaultTimeout is a Go duration string. "0s" disables the watchdog.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// NetprobeConfig selects the network-availability probe.
type NetprobeConfig struct {
	// Driver is "dial" (default), "speedtest", or "static".
	Driver string `json:"driver,omitempty"`
	// Targets are host:port addresses for the dial driver.
	Targets []string `json:"targets,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
	// MinPeriod rate-limits real probes; cached answers serve in between.
	MinPeriod string `json:"min_period,omitempty"`
}

// TaskConfig is a declarative task definition.
//
// Sync rules at startup, matched by name:
//   - unknown name: the task is created
//   - known name: mutable fields (schedule, weights, payload, enabled, ...)
//     are updated in place
//   - a stored config-owned task absent from the file is left alone; use
//     retirement through the store to remove it
type TaskConfig struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule"`
	Provider    string `json:"provider,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"` // omitted means enabled

	Priority int `json:"priority,omitempty"`
	Need     int `json:"need,omitempty"`
	// ResourceCost defaults to 1 when omitted.
	ResourceCost    int  `json:"resource_cost,omitempty"`
	RequiresNetwork bool `json:"requires_network,omitempty"`

	Mission   string `json:"mission,omitempty"`
	Objective string `json:"objective,omitempty"`

	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the parts of the config that must be right before any
// service starts. Durations are validated here so a typo fails the reload
// instead of silently falling back.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.catchup_window", c.Scheduler.CatchupWindow); err != nil {
		return err
	}
	if c.Scheduler.BudgetPerCycle < 0 {
		return fmt.Errorf("scheduler.budget_per_cycle must be >= 0")
	}
	if c.Scheduler.TaskConcurrency < 0 {
		return fmt.Errorf("scheduler.task_concurrency must be >= 0")
	}
	if _, err := ParseDurationField("engine.default_timeout", c.Engine.DefaultTimeout); err != nil {
		return err
	}
	if c.Engine.Workers < 0 || c.Engine.QueueSize < 0 {
		return fmt.Errorf("engine.workers and engine.queue_size must be >= 0")
	}
	switch strings.TrimSpace(c.Netprobe.Driver) {
	case "", "dial", "speedtest", "static":
	default:
		return fmt.Errorf("netprobe.driver %q (use dial, speedtest or static)", c.Netprobe.Driver)
	}
	if _, err := ParseDurationField("netprobe.timeout", c.Netprobe.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("netprobe.min_period", c.Netprobe.MinPeriod); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Tasks))
	for i, t := range c.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("tasks[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(t.Schedule) == "" {
			return fmt.Errorf("task %q: schedule is required", name)
		}
		if strings.TrimSpace(t.Kind) == "" {
			return fmt.Errorf("task %q: kind is required", name)
		}
		if t.ResourceCost < 0 {
			return fmt.Errorf("task %q: resource_cost must be >= 1 (or omitted)", name)
		}
		if t.Priority < 0 || t.Need < 0 {
			return fmt.Errorf("task %q: priority and need must be >= 0", name)
		}
	}
	return nil
}

// TaskEnabled reports the effective enabled flag (omitted means enabled).
func (t *TaskConfig) TaskEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// EngineSettings resolves the executor pool settings with defaults applied.
func (c *Config) EngineSettings() (workers, queueSize int, timeout time.Duration, err error) {
	workers = c.Engine.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize = c.Engine.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	timeout, err = ParseDurationField("engine.default_timeout", c.Engine.DefaultTimeout)
	return workers, queueSize, timeout, err
}
