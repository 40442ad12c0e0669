// Package runner is the execution boundary: it turns an admitted run's task
// payload into an outcome, and knows nothing about queues, budgets or
// persistence.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Outcome is the terminal result of a single invocation.
//
// OK=false with a nil error is a normal, recorded failure (e.g. a non-zero
// exit code). A non-nil error from Run means the runner itself broke and the
// outcome is unusable.
type Outcome struct {
	// OK reports whether the invocation succeeded.
	OK bool
	// Result is a short machine-readable code: "ok", "exit_2", "unsupported_kind".
	Result string
	// Output is the captured combined output, possibly truncated.
	Output string
}

// Runner executes a payload of a given task kind. Implementations must honor
// ctx cancellation and return promptly when it fires.
type Runner interface {
	Run(ctx context.Context, kind string, payload []byte) (Outcome, error)
}

// Driver executes payloads of exactly one kind.
type Driver interface {
	Kind() string
	Run(ctx context.Context, payload []byte) (Outcome, error)
}

// Registry dispatches to drivers by task kind. An unknown kind is not an
// error: it is a recorded failure with result "unsupported_kind", so a task
// with a typo'd kind fails visibly instead of wedging the executor.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver, len(drivers))}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

// Kinds returns the registered kinds, sorted, for startup logging.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) Run(ctx context.Context, kind string, payload []byte) (Outcome, error) {
	r.mu.RLock()
	d, ok := r.drivers[kind]
	r.mu.RUnlock()
	if !ok {
		return Outcome{OK: false, Result: "unsupported_kind", Output: fmt.Sprintf("no driver for task kind %q", kind)}, nil
	}
	return d.Run(ctx, payload)
}
