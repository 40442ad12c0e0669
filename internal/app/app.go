// Package app wires the daemon together: config, logging, storage, settings,
// the recurrence evaluator, the admission controller and the executor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"questd/internal/config"
	"questd/internal/eventbus"
	"questd/internal/netprobe"
	"questd/internal/runner"
	"questd/internal/settings"
	"questd/internal/storage"
	"questd/internal/task/engine"
	"questd/internal/task/queue"
	"questd/internal/task/recur"
	logx "questd/pkg/logx"

	rtsup "questd/internal/runtime/supervisor"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gateway *settings.Gateway
	eval    *recur.Evaluator
	admit   *queue.Controller
	engine  *engine.Service
	probe   netprobe.Prober
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	gateway := settings.New(store)

	reg := runner.NewRegistry(runner.NewShellDriver())
	log.Info("runner drivers registered", logx.Any("kinds", reg.Kinds()))

	workers, queueSize, timeout, err := cfg.EngineSettings()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engineSvc := engine.New(engine.Config{
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: timeout,
	}, store, reg, gateway, log.With(logx.String("comp", "engine")), bus)

	probe, err := buildProber(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		gateway: gateway,
		eval:    recur.New(store, log.With(logx.String("comp", "recur")), bus),
		admit:   queue.New(store, log.With(logx.String("comp", "queue")), bus),
		engine:  engineSvc,
		probe:   probe,
	}, nil
}

func buildProber(cfg *config.Config, log logx.Logger) (netprobe.Prober, error) {
	timeout, err := config.ParseDurationField("netprobe.timeout", cfg.Netprobe.Timeout)
	if err != nil {
		return nil, err
	}
	minPeriod, err := config.ParseDurationOrDefault("netprobe.min_period", cfg.Netprobe.MinPeriod, 30*time.Second)
	if err != nil {
		return nil, err
	}

	plog := log.With(logx.String("comp", "netprobe"))
	var inner netprobe.Prober
	switch strings.TrimSpace(cfg.Netprobe.Driver) {
	case "", "dial":
		inner = netprobe.NewDialProber(cfg.Netprobe.Targets, timeout, plog)
	case "speedtest":
		inner = netprobe.NewSpeedtestProber(plog)
	case "static":
		inner = netprobe.Static(true)
	default:
		return nil, fmt.Errorf("netprobe.driver %q", cfg.Netprobe.Driver)
	}
	return netprobe.NewCached(inner, minPeriod), nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	supCtx := a.sup.Context()

	// Unreadable settings are startup-fatal: running with a corrupt budget or
	// poll interval silently misbehaves.
	if err := a.gateway.Validate(supCtx); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	cfg := a.cfgm.Get()
	if err := a.seedSettings(supCtx, cfg); err != nil {
		return err
	}
	if err := a.syncTasks(supCtx, cfg); err != nil {
		return err
	}

	a.engine.Start(supCtx)

	// Settle work stranded by the previous process before admitting more.
	reoffer, err := a.engine.Recover(supCtx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, d := range reoffer {
		if err := a.engine.Submit(supCtx, d); err != nil {
			return fmt.Errorf("resubmit run %s: %w", d.Run.ID, err)
		}
	}

	a.sup.GoRestart("scheduler.loop", a.schedulingLoop,
		rtsup.WithPublishFirstError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.watchConfig()
	a.logEvents()

	a.log.Info("questd started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	a.engine.Stop(ctx)
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("questd stopped")
}

// logEvents mirrors pipeline events into the log at debug level so a single
// log stream tells the whole story of a cycle.
func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}
