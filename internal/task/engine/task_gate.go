package engine

import "sync"

// taskGate is a channel-based semaphore bounding concurrent runs of one task.
// Tokens are pre-filled up to the ceiling.
//
// The ceiling is fixed for the life of the gate. If the setting changes at
// runtime, existing gates keep their first-seen size until restart; resizing
// a semaphore with tokens in flight is not worth the complexity.
type taskGate struct {
	ch chan struct{}
}

func newTaskGate(ceiling int) *taskGate {
	if ceiling <= 0 {
		ceiling = 1
	}
	g := &taskGate{ch: make(chan struct{}, ceiling)}
	for i := 0; i < ceiling; i++ {
		g.ch <- struct{}{}
	}
	return g
}

func (g *taskGate) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *taskGate) release() {
	if g == nil {
		return
	}
	// Never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

type taskGateStore struct {
	mu    sync.Mutex
	gates map[string]*taskGate
}

func (s *taskGateStore) get(taskID string, ceiling int) *taskGate {
	if s == nil || taskID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gates == nil {
		s.gates = make(map[string]*taskGate)
	}
	g := s.gates[taskID]
	if g == nil {
		g = newTaskGate(ceiling)
		s.gates[taskID] = g
	}
	return g
}
