package session

import (
	"context"
	"sync"
	"time"
)

// rendezvous implements the two readiness barriers: group readiness over
// the session's agent-group partition and session-wide count readiness.
// Agents feed it once at registration; waiters race their condition against
// a timeout.
type rendezvous struct {
	mu         sync.Mutex
	groups     [][]string
	registered map[string]struct{}
	waiters    map[*readyWaiter]struct{}
	closed     bool
}

type readyWaiter struct {
	cond func(registered map[string]struct{}) bool
	ch   chan struct{}
	met  bool
}

func newRendezvous(groups [][]string) *rendezvous {
	copied := make([][]string, 0, len(groups))
	for _, g := range groups {
		copied = append(copied, append([]string(nil), g...))
	}
	return &rendezvous{
		groups:     copied,
		registered: make(map[string]struct{}),
		waiters:    make(map[*readyWaiter]struct{}),
	}
}

// register marks an agent present and wakes any waiter whose condition now
// holds.
func (r *rendezvous) register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.registered[name] = struct{}{}
	for w := range r.waiters {
		if w.cond(r.registered) {
			w.met = true
			delete(r.waiters, w)
			close(w.ch)
		}
	}
}

// group returns the members that must be present before agentID's group is
// ready. An agent outside every group is its own singleton group.
func (r *rendezvous) group(agentID string) []string {
	for _, g := range r.groups {
		for _, member := range g {
			if member == agentID {
				return g
			}
		}
	}
	return []string{agentID}
}

// wait blocks until cond holds, the timeout elapses, or the context is
// cancelled. It reports whether the condition was met.
func (r *rendezvous) wait(ctx context.Context, timeout time.Duration, cond func(map[string]struct{}) bool) (bool, error) {
	if timeout <= 0 {
		return false, ErrInvalidTimeout
	}

	r.mu.Lock()
	if cond(r.registered) {
		r.mu.Unlock()
		return true, nil
	}
	if r.closed {
		r.mu.Unlock()
		return false, nil
	}
	w := &readyWaiter{cond: cond, ch: make(chan struct{})}
	r.waiters[w] = struct{}{}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		return w.met, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	delete(r.waiters, w)
	met := w.met
	r.mu.Unlock()
	if ctx.Err() != nil && !met {
		return false, ctx.Err()
	}
	return met, nil
}

// closeAll wakes every waiter unmet and rejects future registrations.
func (r *rendezvous) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for w := range r.waiters {
		delete(r.waiters, w)
		close(w.ch)
	}
}

// WaitForGroup blocks until every agent in the same group as agentID has
// registered, or the timeout elapses. Returns true only when the whole
// group is present.
func (e *Engine) WaitForGroup(ctx context.Context, agentID string, timeout time.Duration) (bool, error) {
	members := e.ready.group(agentID)
	return e.ready.wait(ctx, timeout, func(registered map[string]struct{}) bool {
		for _, m := range members {
			if _, ok := registered[m]; !ok {
				return false
			}
		}
		return true
	})
}

// WaitForAgentCount blocks until at least target agents have registered
// session-wide, or the timeout elapses.
func (e *Engine) WaitForAgentCount(ctx context.Context, target int, timeout time.Duration) (bool, error) {
	return e.ready.wait(ctx, timeout, func(registered map[string]struct{}) bool {
		return len(registered) >= target
	})
}
