// Package tools translates structured tool calls from agents into session
// engine operations. Adapters validate their payload and call exactly one
// engine method; all coordination semantics live in pkg/session.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/reef/internal/metrics"
	"github.com/harun/reef/pkg/session"
)

// ErrUnknownTool is returned for tool names the caller does not serve.
var ErrUnknownTool = errors.New("unknown tool")

// BadRequestError marks a tool call whose payload failed validation, so the
// transport can map it to a client error instead of a server error.
type BadRequestError struct {
	Err error
}

func (e *BadRequestError) Error() string { return e.Err.Error() }
func (e *BadRequestError) Unwrap() error { return e.Err }

func badRequest(format string, args ...any) error {
	return &BadRequestError{Err: fmt.Errorf(format, args...)}
}

// DefaultMaxWait bounds wait-for-mentions and barrier timeouts when the
// configuration does not.
const DefaultMaxWait = 60 * time.Second

// Caller dispatches tool calls for one session's engine.
type Caller struct {
	engine  *session.Engine
	maxWait time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewCaller binds a tool caller to a session engine. maxWait caps every
// agent-supplied timeout; zero or negative selects DefaultMaxWait.
func NewCaller(engine *session.Engine, maxWait time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Caller {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Caller{engine: engine, maxWait: maxWait, metrics: m, logger: logger}
}

// Call runs the named tool on behalf of agentID and returns a
// JSON-serializable result.
func (c *Caller) Call(ctx context.Context, agentID, tool string, payload json.RawMessage) (any, error) {
	result, err := c.dispatch(ctx, agentID, tool, payload)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("agent", agentID).Str("tool", tool).Msg("tool call failed")
	}
	return result, err
}

func (c *Caller) dispatch(ctx context.Context, agentID, tool string, payload json.RawMessage) (any, error) {
	switch tool {
	case "register":
		return c.register(agentID, payload)
	case "list-agents":
		return c.listAgents(payload)
	case "create-thread":
		return c.createThread(agentID, payload)
	case "send-message":
		return c.sendMessage(agentID, payload)
	case "add-participant":
		return c.addParticipant(payload)
	case "remove-participant":
		return c.removeParticipant(payload)
	case "close-thread":
		return c.closeThread(payload)
	case "wait-for-mentions":
		return c.waitForMentions(ctx, agentID, payload)
	case "wait-for-group":
		return c.waitForGroup(ctx, agentID, payload)
	case "wait-for-agent-count":
		return c.waitForAgentCount(ctx, payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
}

func decode(payload json.RawMessage, into any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return badRequest("invalid tool payload: %v", err)
	}
	return nil
}

// clamp bounds an agent-supplied millisecond timeout. Non-positive values
// pass through so the engine can reject them.
func (c *Caller) clamp(ms int64) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d > c.maxWait {
		return c.maxWait
	}
	return d
}

type registerArgs struct {
	Description string `json:"description"`
}

type registerResult struct {
	AgentID string `json:"agent_id"`
}

func (c *Caller) register(agentID string, payload json.RawMessage) (any, error) {
	var args registerArgs
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if err := c.engine.RegisterAgent(agentID, args.Description); err != nil {
		return nil, err
	}
	return registerResult{AgentID: agentID}, nil
}

type listAgentsResult struct {
	Agents []session.Agent `json:"agents"`
}

func (c *Caller) listAgents(payload json.RawMessage) (any, error) {
	var args struct{}
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	return listAgentsResult{Agents: c.engine.Agents()}, nil
}

type createThreadArgs struct {
	Name         string   `json:"thread_name"`
	Participants []string `json:"participant_ids"`
}

func (c *Caller) createThread(agentID string, payload json.RawMessage) (any, error) {
	var args createThreadArgs
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, badRequest("thread_name is required")
	}
	thread, err := c.engine.CreateThread(args.Name, agentID, args.Participants)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.ThreadsCreatedTotal.Inc()
	}
	return thread, nil
}

type sendMessageArgs struct {
	ThreadID string   `json:"thread_id"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions"`
}

func (c *Caller) sendMessage(agentID string, payload json.RawMessage) (any, error) {
	var args sendMessageArgs
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if args.ThreadID == "" {
		return nil, badRequest("thread_id is required")
	}
	msg, err := c.engine.SendMessage(args.ThreadID, agentID, args.Content, args.Mentions)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.MessagesSentTotal.Inc()
	}
	return msg, nil
}

type participantArgs struct {
	ThreadID string `json:"thread_id"`
	AgentID  string `json:"participant_id"`
}

func (c *Caller) addParticipant(payload json.RawMessage) (any, error) {
	var args participantArgs
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if args.ThreadID == "" || args.AgentID == "" {
		return nil, badRequest("thread_id and participant_id are required")
	}
	if err := c.engine.AddParticipant(args.ThreadID, args.AgentID); err != nil {
		return nil, err
	}
	return okResult{}, nil
}

func (c *Caller) removeParticipant(payload json.RawMessage) (any, error) {
	var args participantArgs
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if args.ThreadID == "" || args.AgentID == "" {
		return nil, badRequest("thread_id and participant_id are required")
	}
	if err := c.engine.RemoveParticipant(args.ThreadID, args.AgentID); err != nil {
		return nil, err
	}
	return okResult{}, nil
}

type closeThreadArgs struct {
	ThreadID string `json:"thread_id"`
	Summary  string `json:"summary"`
}

func (c *Caller) closeThread(payload json.RawMessage) (any, error) {
	var args closeThreadArgs
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if args.ThreadID == "" {
		return nil, badRequest("thread_id is required")
	}
	if err := c.engine.CloseThread(args.ThreadID, args.Summary); err != nil {
		return nil, err
	}
	return okResult{}, nil
}

type waitArgs struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

type mentionsResult struct {
	Messages []session.Message `json:"messages"`
}

func (c *Caller) waitForMentions(ctx context.Context, agentID string, payload json.RawMessage) (any, error) {
	var args waitArgs
	if err := decode(payload, &args); err != nil {
		return nil, err
	}

	start := time.Now()
	msgs, err := c.engine.WaitForMentions(ctx, agentID, c.clamp(args.TimeoutMs))
	if c.metrics != nil && err == nil {
		c.metrics.MentionWaitDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return mentionsResult{Messages: msgs}, nil
}

type waitResult struct {
	Ready bool `json:"ready"`
}

func (c *Caller) waitForGroup(ctx context.Context, agentID string, payload json.RawMessage) (any, error) {
	var args waitArgs
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	ready, err := c.engine.WaitForGroup(ctx, agentID, c.clamp(args.TimeoutMs))
	if err != nil {
		return nil, err
	}
	return waitResult{Ready: ready}, nil
}

type waitCountArgs struct {
	Target    int   `json:"target"`
	TimeoutMs int64 `json:"timeout_ms"`
}

func (c *Caller) waitForAgentCount(ctx context.Context, payload json.RawMessage) (any, error) {
	var args waitCountArgs
	if err := decode(payload, &args); err != nil {
		return nil, err
	}
	if args.Target <= 0 {
		return nil, badRequest("target must be positive")
	}
	ready, err := c.engine.WaitForAgentCount(ctx, args.Target, c.clamp(args.TimeoutMs))
	if err != nil {
		return nil, err
	}
	return waitResult{Ready: ready}, nil
}

type okResult struct{}

func (okResult) MarshalJSON() ([]byte, error) { return []byte(`{"ok":true}`), nil }
