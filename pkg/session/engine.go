package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/reef/pkg/eventbus"
)

// Expected rejections. These are ordinary outcomes of racing agents, not
// faults.
var (
	ErrDuplicateAgent     = errors.New("agent already registered")
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrUnknownThread      = errors.New("unknown thread")
	ErrThreadClosed       = errors.New("thread is closed")
	ErrSelfMention        = errors.New("sender cannot mention itself")
	ErrAlreadyParticipant = errors.New("agent is already a participant")
	ErrNotParticipant     = errors.New("agent is not a participant")
	ErrInvalidTimeout     = errors.New("timeout must be positive")
)

// EventKind discriminates session state events.
type EventKind string

const (
	EventAgentRegistered    EventKind = "agent_registered"
	EventAgentStateChanged  EventKind = "agent_state_changed"
	EventThreadCreated      EventKind = "thread_created"
	EventMessageSent        EventKind = "message_sent"
	EventParticipantAdded   EventKind = "participant_added"
	EventParticipantRemoved EventKind = "participant_removed"
	EventThreadClosed       EventKind = "thread_closed"
)

// Event is one applied state transition. Current state is the fold of all
// events over the empty state, which is also how the engine mutates it.
type Event struct {
	Kind      EventKind  `json:"kind"`
	Agent     *Agent     `json:"agent,omitempty"`
	AgentID   string     `json:"agentId,omitempty"`
	State     AgentState `json:"state,omitempty"`
	Thread    *Thread    `json:"thread,omitempty"`
	ThreadID  string     `json:"threadId,omitempty"`
	Message   *Message   `json:"message,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Engine holds one session's conversational state. All public methods are
// safe for concurrent use; mutation is serialized behind a single lock so
// every caller observes one serial history.
type Engine struct {
	mu      sync.Mutex
	state   *state
	events  *eventbus.Bus[Event]
	waiters *mentionWaiters
	ready   *rendezvous
	logger  zerolog.Logger
}

// NewEngine creates an engine for a session whose group partition is already
// computed. Agents outside every group rendezvous as singletons.
func NewEngine(groups [][]string, logger zerolog.Logger) *Engine {
	return &Engine{
		state:   newState(),
		events:  eventbus.New[Event](eventbus.DefaultReplay),
		waiters: newMentionWaiters(),
		ready:   newRendezvous(groups),
		logger:  logger,
	}
}

// Events exposes the session's state-event stream for observers such as the
// per-agent transports.
func (e *Engine) Events() *eventbus.Bus[Event] {
	return e.events
}

// Close shuts the event stream and wakes every parked waiter empty-handed.
func (e *Engine) Close() {
	e.events.Close()
	e.waiters.closeAll()
	e.ready.closeAll()
}

// apply is the fold step. It mutates state from event content alone.
func (e *Engine) apply(st *state, ev Event) {
	switch ev.Kind {
	case EventAgentRegistered:
		a := *ev.Agent
		st.agents[a.Name] = &a
	case EventAgentStateChanged:
		if a, ok := st.agents[ev.AgentID]; ok {
			a.State = ev.State
		}
	case EventThreadCreated:
		t := &thread{Thread: *ev.Thread, lastRead: make(map[string]int)}
		t.Messages = nil
		for _, p := range t.Participants {
			t.lastRead[p] = 0
		}
		st.threads[t.ID] = t
	case EventMessageSent:
		if t, ok := st.threads[ev.Message.ThreadID]; ok {
			t.Messages = append(t.Messages, *ev.Message)
		}
	case EventParticipantAdded:
		if t, ok := st.threads[ev.ThreadID]; ok {
			t.Participants = append(t.Participants, ev.AgentID)
			t.lastRead[ev.AgentID] = len(t.Messages)
		}
	case EventParticipantRemoved:
		if t, ok := st.threads[ev.ThreadID]; ok {
			for i, p := range t.Participants {
				if p == ev.AgentID {
					t.Participants = append(t.Participants[:i], t.Participants[i+1:]...)
					break
				}
			}
			delete(t.lastRead, ev.AgentID)
		}
	case EventThreadClosed:
		if t, ok := st.threads[ev.ThreadID]; ok {
			t.Closed = true
			t.Summary = ev.Summary
			t.Messages = nil
		}
	}
}

// commit applies and publishes an event while holding the lock.
func (e *Engine) commit(ev Event) {
	ev.Timestamp = time.Now()
	e.apply(e.state, ev)
	e.events.Publish(ev)
}

// RegisterAgent adds an agent to the session and feeds the readiness
// barriers. Duplicate names are rejected.
func (e *Engine) RegisterAgent(name, description string) error {
	e.mu.Lock()
	if _, exists := e.state.agents[name]; exists {
		e.mu.Unlock()
		return ErrDuplicateAgent
	}
	e.commit(Event{
		Kind:  EventAgentRegistered,
		Agent: &Agent{Name: name, Description: description, State: AgentAlive},
	})
	e.mu.Unlock()

	e.ready.register(name)
	e.logger.Debug().Str("agent", name).Msg("agent registered")
	return nil
}

// SetAgentState records a runtime-observed liveness change. Unknown agents
// are ignored.
func (e *Engine) SetAgentState(name string, st AgentState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.state.agents[name]; !ok {
		return
	}
	e.commit(Event{Kind: EventAgentStateChanged, AgentID: name, State: st})
}

// Agents returns a snapshot of all registered agents, sorted by name.
func (e *Engine) Agents() []Agent {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Agent, 0, len(e.state.agents))
	for _, a := range e.state.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateThread opens a thread. Unknown participants are silently dropped;
// the creator always participates, listed or not.
func (e *Engine) CreateThread(name, creatorID string, participants []string) (Thread, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state
	if _, ok := st.agents[creatorID]; !ok {
		return Thread{}, ErrUnknownAgent
	}

	members := make([]string, 0, len(participants)+1)
	seen := map[string]bool{creatorID: true}
	members = append(members, creatorID)
	for _, p := range participants {
		if seen[p] {
			continue
		}
		if _, known := st.agents[p]; !known {
			continue
		}
		seen[p] = true
		members = append(members, p)
	}

	t := Thread{
		ID:           newID(),
		Name:         name,
		CreatorID:    creatorID,
		Participants: members,
	}
	e.commit(Event{Kind: EventThreadCreated, Thread: &t})
	e.logger.Debug().Str("thread", t.ID).Str("creator", creatorID).Msg("thread created")
	return t, nil
}

// Thread returns a snapshot of one thread.
func (e *Engine) Thread(id string) (Thread, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.state.threads[id]
	if !ok {
		return Thread{}, false
	}
	return snapshotThread(t), true
}

// Threads returns snapshots of every thread an agent participates in.
func (e *Engine) Threads(agentID string) []Thread {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Thread
	for _, t := range e.state.threads {
		if t.hasParticipant(agentID) {
			out = append(out, snapshotThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func snapshotThread(t *thread) Thread {
	snap := t.Thread
	snap.Participants = append([]string(nil), t.Participants...)
	snap.Messages = append([]Message(nil), t.Messages...)
	return snap
}

// SendMessage appends a message and delivers it to any parked waiters.
// Delivery and last-read bookkeeping happen under the same lock as the
// append, so a message is never skipped or double-delivered.
func (e *Engine) SendMessage(threadID, senderID, content string, mentions []string) (Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state
	t, ok := st.threads[threadID]
	if !ok {
		return Message{}, ErrUnknownThread
	}
	if t.Closed {
		return Message{}, ErrThreadClosed
	}
	if senderID != SystemSender {
		if _, known := st.agents[senderID]; !known {
			return Message{}, ErrUnknownAgent
		}
	}
	for _, m := range mentions {
		if m == senderID {
			return Message{}, ErrSelfMention
		}
	}

	msg := Message{
		ID:        newID(),
		ThreadID:  threadID,
		SenderID:  senderID,
		Content:   content,
		Mentions:  append([]string(nil), mentions...),
		Timestamp: time.Now(),
	}
	e.commit(Event{Kind: EventMessageSent, Message: &msg})
	e.deliverLocked(t, msg)
	return msg, nil
}

// deliverLocked hands a freshly appended message to parked waiters. A
// system-sent message reaches every participant; otherwise only mentioned
// participants. Waiters that consume the message have their read cursor
// advanced immediately.
func (e *Engine) deliverLocked(t *thread, msg Message) {
	for _, p := range t.Participants {
		if msg.SenderID != SystemSender && !msg.mentioned(p) {
			continue
		}
		if e.waiters.deliver(p, []Message{msg}) {
			t.lastRead[p] = len(t.Messages)
		}
	}
}

// AddParticipant joins an agent to a thread. The new participant sees only
// messages sent after joining.
func (e *Engine) AddParticipant(threadID, agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state
	t, ok := st.threads[threadID]
	if !ok {
		return ErrUnknownThread
	}
	if t.Closed {
		return ErrThreadClosed
	}
	if _, known := st.agents[agentID]; !known {
		return ErrUnknownAgent
	}
	if t.hasParticipant(agentID) {
		return ErrAlreadyParticipant
	}
	e.commit(Event{Kind: EventParticipantAdded, ThreadID: threadID, AgentID: agentID})
	return nil
}

// RemoveParticipant drops an agent from a thread.
func (e *Engine) RemoveParticipant(threadID, agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.state.threads[threadID]
	if !ok {
		return ErrUnknownThread
	}
	if t.Closed {
		return ErrThreadClosed
	}
	if !t.hasParticipant(agentID) {
		return ErrNotParticipant
	}
	e.commit(Event{Kind: EventParticipantRemoved, ThreadID: threadID, AgentID: agentID})
	return nil
}

// CloseThread closes a thread, clearing its messages and retaining only the
// summary. Closing is irreversible.
func (e *Engine) CloseThread(threadID, summary string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.state.threads[threadID]
	if !ok {
		return ErrUnknownThread
	}
	if t.Closed {
		return ErrThreadClosed
	}
	e.commit(Event{Kind: EventThreadClosed, ThreadID: threadID, Summary: summary})
	e.logger.Debug().Str("thread", threadID).Msg("thread closed")
	return nil
}
