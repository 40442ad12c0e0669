package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: /var/lib/questd/questd.db
scheduler:
  poll_interval: 15s
  budget_per_cycle: 6
tasks:
  - name: backup
    schedule: "0 3 * * *"
    kind: shell
    priority: 8
    resource_cost: 2
    payload:
      command: "/usr/local/bin/backup.sh"
  - name: sync
    schedule: 30m
    kind: shell
    requires_network: true
    payload:
      command: "rsync -a /data remote:/data"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "questd.yaml", sampleYAML)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Scheduler.PollInterval != "15s" || cfg.Scheduler.BudgetPerCycle != 6 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if len(cfg.Tasks) != 2 || cfg.Tasks[0].Name != "backup" || cfg.Tasks[0].ResourceCost != 2 {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if !cfg.Tasks[1].RequiresNetwork || !cfg.Tasks[1].TaskEnabled() {
		t.Fatalf("sync task = %+v", cfg.Tasks[1])
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "questd.json", `{"storage":{"path":"x.db"},"shceduler":{}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("typo'd section accepted")
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
		{"bad poll interval", func(c *Config) { c.Scheduler.PollInterval = "soon" }},
		{"negative budget", func(c *Config) { c.Scheduler.BudgetPerCycle = -1 }},
		{"unknown probe driver", func(c *Config) { c.Netprobe.Driver = "carrier-pigeon" }},
		{"task without schedule", func(c *Config) {
			c.Tasks = []TaskConfig{{Name: "x", Kind: "shell"}}
		}},
		{"task without kind", func(c *Config) {
			c.Tasks = []TaskConfig{{Name: "x", Schedule: "1h"}}
		}},
		{"duplicate task name", func(c *Config) {
			c.Tasks = []TaskConfig{
				{Name: "x", Schedule: "1h", Kind: "shell"},
				{Name: "x", Schedule: "2h", Kind: "shell"},
			}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Storage: StorageConfig{Path: "questd.db"}}
			tt.mut(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("bad config validated")
			}
		})
	}
}

func TestDiffTasksDetectsPayloadChanges(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Tasks: []TaskConfig{
		{Name: "a", Schedule: "1h", Kind: "shell", Payload: []byte(`{"command":"x"}`)},
		{Name: "b", Schedule: "1h", Kind: "shell", Payload: []byte(`{"command":"y"}`)},
	}}
	newCfg := &Config{Tasks: []TaskConfig{
		// Same payload, different formatting: not a change.
		{Name: "a", Schedule: "1h", Kind: "shell", Payload: []byte(`{ "command" : "x" }`)},
		// Real payload change.
		{Name: "b", Schedule: "1h", Kind: "shell", Payload: []byte(`{"command":"z"}`)},
		// New task.
		{Name: "c", Schedule: "5m", Kind: "shell"},
	}}

	changed, _, names := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "tasks" {
		t.Fatalf("changed = %v", changed)
	}
	if len(names) != 2 || names[0] != "b" || names[1] != "c" {
		t.Fatalf("task names = %v, want [b c]", names)
	}
}
