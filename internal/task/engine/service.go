// Package engine executes admitted runs.
//
// The engine owns the run's lifecycle from dispatched to terminal. It is the
// only writer of the running/succeeded/failed transitions; the controller
// that admits work never touches a run again after handing it over.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"questd/internal/eventbus"
	"questd/internal/runner"
	"questd/internal/settings"
	"questd/internal/storage"
	logx "questd/pkg/logx"

	rtsup "questd/internal/runtime/supervisor"
)

// Config controls the worker pool.
type Config struct {
	// Workers is the number of executor goroutines.
	Workers int
	// QueueSize bounds dispatches accepted but not yet picked up.
	QueueSize int
	// DefaultTimeout bounds each run; 0 disables the watchdog.
	DefaultTimeout time.Duration
}

// Dispatch is one unit of work handed to the engine: a dispatched queue
// entry, the run created for it, and the owning task.
type Dispatch struct {
	Entry *storage.QueueEntry
	Run   *storage.Run
	Task  *storage.Task
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store    storage.Store
	runner   runner.Runner
	settings *settings.Gateway
	log      logx.Logger
	bus      eventbus.Bus

	q        chan Dispatch
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// Per-task concurrency gates, sized from the settings ceiling.
	groups taskGateStore

	// In-flight cancel functions keyed by run ID.
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

func New(cfg Config, store storage.Store, rn runner.Runner, gw *settings.Gateway, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		runner:   rn,
		settings: gw,
		log:      log,
		bus:      bus,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start is idempotent. Workers restart on panic under the supervisor.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan Dispatch, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	queue := s.q
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("executor started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("executor stopped")
	case <-ctx.Done():
		s.log.Warn("executor stop timed out", logx.Err(ctx.Err()))
	}
}

var (
	ErrStopped   = errors.New("executor stopped")
	ErrQueueFull = errors.New("executor queue full")
)

// Submit hands a dispatch to the worker pool, blocking until a worker slot
// frees up, ctx fires, or the engine stops. The dispatch already holds
// budget; dropping it here would leak the charge, so Submit never drops.
func (s *Service) Submit(ctx context.Context, d Dispatch) error {
	if d.Entry == nil || d.Run == nil || d.Task == nil {
		return fmt.Errorf("incomplete dispatch")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	queue := s.q
	stopCh := s.stopCh
	s.mu.Unlock()
	if queue == nil || stopCh == nil {
		return ErrStopped
	}

	select {
	case queue <- d:
		return nil
	case <-stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation of a run. A queued run flips straight to
// cancelled; a running run has its context cancelled and the executor
// records the terminal state. Terminal runs are left untouched.
func (s *Service) Cancel(ctx context.Context, runID string) (bool, error) {
	ok, err := s.store.CancelRun(ctx, runID, time.Now().UTC())
	if err != nil {
		return false, err
	}

	s.cancelMu.Lock()
	cancel := s.cancels[runID]
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	if ok {
		// Release the budget held by the entry, if any.
		if _, err := s.store.DrainEntryByRun(ctx, runID); err != nil {
			return true, fmt.Errorf("drain cancelled run %s: %w", runID, err)
		}
		s.log.Info("run cancelled", logx.String("run", runID))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventRunCancelled, Data: RunEvent{RunID: runID}})
		}
	}
	return ok, nil
}

func (s *Service) trackCancel(runID string, cancel context.CancelFunc) func() {
	s.cancelMu.Lock()
	s.cancels[runID] = cancel
	s.cancelMu.Unlock()
	return func() {
		s.cancelMu.Lock()
		delete(s.cancels, runID)
		s.cancelMu.Unlock()
	}
}

// RunEvent is the bus payload for run lifecycle events.
type RunEvent struct {
	TaskID   string
	TaskName string
	RunID    string
	Result   string
	Duration time.Duration
}
