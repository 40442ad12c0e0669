// Package settings is the typed gateway over the flat scheduler_settings
// store. Every accessor reads straight through to the store so that a write
// is visible to the next scheduling cycle; there is no caching here.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"questd/internal/storage"
)

// Setting keys.
const (
	KeyPollInterval        = "poll_interval"
	KeyBudgetPerCycle      = "budget_per_cycle"
	KeyNetworkCheckEnabled = "network_check_enabled"
	KeyTaskConcurrency     = "task_concurrency"
	KeyCatchupWindow       = "catchup_window"
)

// Defaults applied when a key is absent.
const (
	DefaultPollInterval        = 30 * time.Second
	DefaultBudgetPerCycle      = 4
	DefaultNetworkCheckEnabled = true
	DefaultTaskConcurrency     = 1
	DefaultCatchupWindow       = 24 * time.Hour
)

type Gateway struct {
	store storage.Store
}

func New(store storage.Store) *Gateway {
	return &Gateway{store: store}
}

// PollInterval is the scheduling loop cadence.
func (g *Gateway) PollInterval(ctx context.Context) (time.Duration, error) {
	return g.duration(ctx, KeyPollInterval, DefaultPollInterval)
}

// BudgetPerCycle is the resource-cost capacity available per cycle.
func (g *Gateway) BudgetPerCycle(ctx context.Context) (int, error) {
	n, err := g.integer(ctx, KeyBudgetPerCycle, DefaultBudgetPerCycle)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("setting %s: must be >= 0, got %d", KeyBudgetPerCycle, n)
	}
	return n, nil
}

// NetworkCheckEnabled gates whether the network probe runs at all.
// When disabled, the network is treated as available.
func (g *Gateway) NetworkCheckEnabled(ctx context.Context) (bool, error) {
	raw, ok, err := g.store.GetSetting(ctx, KeyNetworkCheckEnabled)
	if err != nil {
		return false, err
	}
	if !ok {
		return DefaultNetworkCheckEnabled, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("setting %s: invalid bool %q", KeyNetworkCheckEnabled, raw)
	}
	return v, nil
}

// TaskConcurrency is the per-task in-flight run ceiling.
func (g *Gateway) TaskConcurrency(ctx context.Context) (int, error) {
	n, err := g.integer(ctx, KeyTaskConcurrency, DefaultTaskConcurrency)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("setting %s: must be >= 1, got %d", KeyTaskConcurrency, n)
	}
	return n, nil
}

// CatchupWindow bounds how far back recurrence evaluation scans for a
// missed due instant.
func (g *Gateway) CatchupWindow(ctx context.Context) (time.Duration, error) {
	return g.duration(ctx, KeyCatchupWindow, DefaultCatchupWindow)
}

func (g *Gateway) SetPollInterval(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("setting %s: must be > 0", KeyPollInterval)
	}
	return g.store.SetSetting(ctx, KeyPollInterval, d.String())
}

func (g *Gateway) SetBudgetPerCycle(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("setting %s: must be >= 0", KeyBudgetPerCycle)
	}
	return g.store.SetSetting(ctx, KeyBudgetPerCycle, strconv.Itoa(n))
}

func (g *Gateway) SetNetworkCheckEnabled(ctx context.Context, v bool) error {
	return g.store.SetSetting(ctx, KeyNetworkCheckEnabled, strconv.FormatBool(v))
}

func (g *Gateway) SetTaskConcurrency(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("setting %s: must be >= 1", KeyTaskConcurrency)
	}
	return g.store.SetSetting(ctx, KeyTaskConcurrency, strconv.Itoa(n))
}

// Validate reads every known key once. The daemon calls this at startup and
// refuses to run with a corrupt settings table rather than fall back to
// undefined budget or interval values.
func (g *Gateway) Validate(ctx context.Context) error {
	if _, err := g.PollInterval(ctx); err != nil {
		return err
	}
	if _, err := g.BudgetPerCycle(ctx); err != nil {
		return err
	}
	if _, err := g.NetworkCheckEnabled(ctx); err != nil {
		return err
	}
	if _, err := g.TaskConcurrency(ctx); err != nil {
		return err
	}
	if _, err := g.CatchupWindow(ctx); err != nil {
		return err
	}
	return nil
}

func (g *Gateway) duration(ctx context.Context, key string, def time.Duration) (time.Duration, error) {
	raw, ok, err := g.store.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s: invalid duration %q", key, raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("setting %s: must be > 0", key)
	}
	return d, nil
}

func (g *Gateway) integer(ctx context.Context, key string, def int) (int, error) {
	raw, ok, err := g.store.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s: invalid integer %q", key, raw)
	}
	return n, nil
}
