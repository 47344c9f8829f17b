// Package session implements per-session conversational state: registered
// agents, threads with participant sets and ordered messages, mention-based
// delivery with timed waits, and readiness barriers for agent rendezvous.
// All mutation flows through one command path per session, so concurrent
// callers observe a single serial history.
package session

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// SystemSender is the reserved sender id whose messages are delivered to
// every participant of a thread rather than only the mentioned ones.
const SystemSender = "system"

// AgentState tracks whether an agent's runtime is still up.
type AgentState string

const (
	AgentAlive AgentState = "alive"
	AgentDead  AgentState = "dead"
)

// Agent is one registered session participant.
type Agent struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	State       AgentState `json:"state"`
}

// Message is one mention-addressed message inside a thread.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (m Message) mentioned(agentID string) bool {
	for _, mention := range m.Mentions {
		if mention == agentID {
			return true
		}
	}
	return false
}

// Thread is a named, participant-scoped message sequence. Closing a thread
// is lossy: messages are cleared and only the summary survives.
type Thread struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatorID    string    `json:"creatorId"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
	Closed       bool      `json:"closed"`
	Summary      string    `json:"summary,omitempty"`
}

func (t *Thread) hasParticipant(agentID string) bool {
	for _, p := range t.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// state is the engine's fold target. It is never accessed outside the
// engine's lock.
type state struct {
	agents  map[string]*Agent
	threads map[string]*thread
}

type thread struct {
	Thread
	// lastRead maps participant id to the index of the first message that
	// participant has not consumed through wait-for-mentions.
	lastRead map[string]int
}

func newState() *state {
	return &state{
		agents:  make(map[string]*Agent),
		threads: make(map[string]*thread),
	}
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newID() string {
	id, err := gonanoid.Generate(idAlphabet, 16)
	if err != nil {
		// gonanoid only fails when the platform's entropy source does.
		panic(err)
	}
	return id
}
