package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/reef/pkg/graph"
)

// CloseMode records why a session is being destroyed.
type CloseMode string

const (
	CloseNormal  CloseMode = "normal"
	CloseCrashed CloseMode = "crashed"
	CloseIdle    CloseMode = "idle"
)

// Session is the common surface of local and exported sessions.
type Session interface {
	ID() string
	PaymentSessionID() string

	// Destroy tears the session down. It is idempotent; concurrent calls
	// collapse into one teardown.
	Destroy(ctx context.Context, mode CloseMode) error
}

// LocalSession owns one session's engine, its agent graph, and the teardown
// hooks registered by the layers that spawned resources for it.
type LocalSession struct {
	id               string
	applicationID    string
	privacyKey       string
	paymentSessionID string

	engine *Engine
	graph  *graph.Graph

	// secrets authenticate per-agent HTTP calls back into the session.
	secrets map[string]string

	ctx    context.Context
	cancel context.CancelFunc

	createdAt    time.Time
	lastActivity atomic.Int64

	mu       sync.Mutex
	teardown []func(ctx context.Context, mode CloseMode) error
	once     sync.Once

	logger zerolog.Logger
}

func newLocalSession(id, applicationID, privacyKey, paymentSessionID string, g *graph.Graph, secrets map[string]string, logger zerolog.Logger) *LocalSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &LocalSession{
		id:               id,
		applicationID:    applicationID,
		privacyKey:       privacyKey,
		paymentSessionID: paymentSessionID,
		engine:           NewEngine(g.Partition(), logger),
		graph:            g,
		secrets:          secrets,
		ctx:              ctx,
		cancel:           cancel,
		createdAt:        time.Now(),
		logger:           logger,
	}
	s.Touch()
	return s
}

func (s *LocalSession) ID() string               { return s.id }
func (s *LocalSession) ApplicationID() string    { return s.applicationID }
func (s *LocalSession) PrivacyKey() string       { return s.privacyKey }
func (s *LocalSession) PaymentSessionID() string { return s.paymentSessionID }
func (s *LocalSession) Engine() *Engine          { return s.engine }
func (s *LocalSession) Graph() *graph.Graph      { return s.graph }
func (s *LocalSession) CreatedAt() time.Time     { return s.createdAt }

// Context is cancelled when the session is destroyed. Background work owned
// by the session must stop when it does.
func (s *LocalSession) Context() context.Context { return s.ctx }

// AgentSecret returns the secret issued to an agent for this session.
func (s *LocalSession) AgentSecret(agentName string) (string, bool) {
	secret, ok := s.secrets[agentName]
	return secret, ok
}

// Touch records activity for the idle reaper.
func (s *LocalSession) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity reports when the session last saw a call.
func (s *LocalSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// OnDestroy registers a teardown hook. Hooks run once, in registration
// order, when the session is destroyed. Registering after destruction runs
// the hook immediately.
func (s *LocalSession) OnDestroy(fn func(ctx context.Context, mode CloseMode) error) {
	s.mu.Lock()
	if s.ctx.Err() == nil {
		s.teardown = append(s.teardown, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := fn(context.Background(), CloseNormal); err != nil {
		s.logger.Warn().Err(err).Str("session", s.id).Msg("late teardown hook failed")
	}
}

// Destroy cancels the session scope, runs teardown hooks, and closes the
// engine. Hook failures are logged and do not stop the remaining hooks.
func (s *LocalSession) Destroy(ctx context.Context, mode CloseMode) error {
	s.once.Do(func() {
		s.logger.Info().Str("session", s.id).Str("mode", string(mode)).Msg("destroying session")
		s.cancel()

		s.mu.Lock()
		hooks := s.teardown
		s.teardown = nil
		s.mu.Unlock()

		for _, fn := range hooks {
			if err := fn(ctx, mode); err != nil {
				s.logger.Warn().Err(err).Str("session", s.id).Msg("session teardown hook failed")
			}
		}
		s.engine.Close()
	})
	return nil
}
