// Package runtime spawns and supervises agent processes behind one
// polymorphic interface. An agent can run as a local OS process, a docker
// container, an in-process function, or a proxy for an agent hosted on a
// remote server. Spawn failures are synchronous; everything after a
// successful spawn is reported through the event bus.
package runtime

import (
	"context"
	"time"

	"github.com/harun/reef/pkg/eventbus"
	"github.com/harun/reef/pkg/registry"
)

// EventKind discriminates runtime events.
type EventKind string

const (
	// EventLog carries one line of agent output.
	EventLog EventKind = "log"

	// EventStopped reports that the runtime has terminated, for any reason.
	// It is published exactly once per handle.
	EventStopped EventKind = "stopped"
)

// Stream identifies which output stream a log line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Event is one runtime lifecycle event.
type Event struct {
	Kind      EventKind `json:"kind"`
	Stream    Stream    `json:"stream,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is the per-(session, agent) event channel runtimes publish on.
type Bus = eventbus.Bus[Event]

func logEvent(stream Stream, message string) Event {
	return Event{Kind: EventLog, Stream: stream, Message: message, Timestamp: time.Now()}
}

func stoppedEvent() Event {
	return Event{Kind: EventStopped, Timestamp: time.Now()}
}

// SessionKind tells a runtime whether it is spawning for a local session or
// for a session exported to another server.
type SessionKind string

const (
	SessionLocal  SessionKind = "local"
	SessionRemote SessionKind = "remote"
)

// Params is everything a runtime needs to spawn an agent.
type Params struct {
	SessionKind SessionKind
	SessionID   string
	AgentName   string

	// Secret authenticates later HTTP calls from the agent back to this
	// server. It is issued per agent per session.
	Secret string

	SystemPrompt string
	Options      map[string]registry.OptionValue

	// Path is the agent's working directory, resolved from the registry.
	Path string

	// Connection endpoints handed to the agent via the environment.
	ConnectionURL string
	APIURL        string
	SSEURL        string
}

// Handle represents one spawned runtime. Destroy is idempotent and
// best-effort: it must not panic and must release the handle's resources
// exactly once.
type Handle interface {
	Destroy(ctx context.Context) error
}

// Runtime spawns agents on one substrate.
type Runtime interface {
	// Spawn starts the agent. A returned error means nothing was started;
	// failures after return are reported as a stopped event on the bus.
	Spawn(ctx context.Context, params Params, bus *Bus) (Handle, error)
}
