package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// mentionWaiters parks wait-for-mentions callers keyed by agent id. A
// delivery fans out to every waiter parked under the same id, so no
// concurrent waiter silently loses a result.
type mentionWaiters struct {
	mu     sync.Mutex
	parked map[string][]chan []Message
	closed bool
}

func newMentionWaiters() *mentionWaiters {
	return &mentionWaiters{parked: make(map[string][]chan []Message)}
}

// park registers a waiter for an agent. The returned channel holds at most
// one delivery; the remove func unparks the waiter if it is still parked.
func (w *mentionWaiters) park(agentID string) (chan []Message, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan []Message, 1)
	if w.closed {
		close(ch)
		return ch, func() {}
	}
	w.parked[agentID] = append(w.parked[agentID], ch)

	remove := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		waiters := w.parked[agentID]
		for i, c := range waiters {
			if c == ch {
				w.parked[agentID] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(w.parked[agentID]) == 0 {
			delete(w.parked, agentID)
		}
	}
	return ch, remove
}

// deliver hands messages to every waiter parked for agentID and unparks
// them. It reports whether anyone was waiting.
func (w *mentionWaiters) deliver(agentID string, msgs []Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	waiters := w.parked[agentID]
	if len(waiters) == 0 {
		return false
	}
	delete(w.parked, agentID)
	for _, ch := range waiters {
		ch <- msgs
	}
	return true
}

// closeAll wakes every parked waiter empty-handed and rejects future parks.
func (w *mentionWaiters) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	for id, waiters := range w.parked {
		for _, ch := range waiters {
			close(ch)
		}
		delete(w.parked, id)
	}
}

// WaitForMentions returns the agent's unread mention-addressed messages.
// If any exist they are returned immediately and the agent's read cursors
// advance past them. Otherwise the caller parks until a matching message
// arrives or the timeout elapses; a timeout yields an empty list, not an
// error. A non-positive timeout is rejected.
func (e *Engine) WaitForMentions(ctx context.Context, agentID string, timeout time.Duration) ([]Message, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	e.mu.Lock()
	if _, known := e.state.agents[agentID]; !known {
		e.mu.Unlock()
		return nil, ErrUnknownAgent
	}

	if unread := e.collectUnreadLocked(agentID); len(unread) > 0 {
		e.mu.Unlock()
		return unread, nil
	}

	// Parking happens under the state lock so a message appended between
	// the unread scan and the park cannot be missed.
	ch, remove := e.waiters.park(agentID)
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msgs, ok := <-ch:
		if !ok {
			return []Message{}, nil
		}
		return msgs, nil
	case <-timer.C:
		remove()
		// A delivery may have raced the timeout; it already advanced the
		// read cursor, so it must not be dropped.
		select {
		case msgs := <-ch:
			return msgs, nil
		default:
			return []Message{}, nil
		}
	case <-ctx.Done():
		remove()
		select {
		case msgs := <-ch:
			return msgs, nil
		default:
			return nil, ctx.Err()
		}
	}
}

// collectUnreadLocked gathers unread matching messages across every open
// thread the agent participates in and advances the read cursor of each
// thread that contributed.
func (e *Engine) collectUnreadLocked(agentID string) []Message {
	var out []Message
	for _, t := range sortedThreadsLocked(e.state) {
		if t.Closed || !t.hasParticipant(agentID) {
			continue
		}
		from := t.lastRead[agentID]
		if from > len(t.Messages) {
			from = len(t.Messages)
		}
		matched := false
		for _, msg := range t.Messages[from:] {
			if msg.SenderID == SystemSender || msg.mentioned(agentID) {
				out = append(out, msg)
				matched = true
			}
		}
		if matched {
			t.lastRead[agentID] = len(t.Messages)
		}
	}
	return out
}

func sortedThreadsLocked(st *state) []*thread {
	out := make([]*thread, 0, len(st.threads))
	for _, t := range st.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
