package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/reef/internal/metrics"
	"github.com/harun/reef/pkg/graph"
)

var (
	ErrUnknownSession     = errors.New("unknown session")
	ErrInvalidCredentials = errors.New("invalid application credentials")
	ErrSessionExists      = errors.New("session id already in use")
)

// Credentials maps application ids to their accepted privacy keys.
type Credentials map[string][]string

// Authorize checks an application id and privacy key pair.
func (c Credentials) Authorize(applicationID, privacyKey string) bool {
	for _, key := range c[applicationID] {
		if subtle.ConstantTimeCompare([]byte(key), []byte(privacyKey)) == 1 {
			return true
		}
	}
	return false
}

// CreateRequest carries everything needed to open a session.
type CreateRequest struct {
	ApplicationID    string
	PrivacyKey       string
	PaymentSessionID string

	// SessionID is honoured only in devmode; production sessions always
	// get a generated id.
	SessionID string

	Graph *graph.Graph
}

// Manager owns every live local session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*LocalSession

	creds   Credentials
	devmode bool
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// ManagerOption configures the session manager.
type ManagerOption func(*Manager)

// WithMetrics enables session lifecycle accounting.
func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates a session manager. In devmode credential validation is
// skipped and callers may pick their own session ids.
func NewManager(creds Credentials, devmode bool, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: make(map[string]*LocalSession),
		creds:    creds,
		devmode:  devmode,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Devmode reports whether the manager skips credential validation.
func (m *Manager) Devmode() bool { return m.devmode }

// Create validates credentials, issues per-agent secrets, and opens a new
// session around the given graph.
func (m *Manager) Create(req CreateRequest) (*LocalSession, error) {
	if !m.devmode && !m.creds.Authorize(req.ApplicationID, req.PrivacyKey) {
		return nil, ErrInvalidCredentials
	}
	if req.Graph == nil {
		return nil, fmt.Errorf("session request has no agent graph")
	}

	id := uuid.NewString()
	if m.devmode && req.SessionID != "" {
		id = req.SessionID
	}

	secrets := make(map[string]string, len(req.Graph.Agents))
	for name := range req.Graph.Agents {
		secrets[name] = uuid.NewString()
	}

	s := newLocalSession(id, req.ApplicationID, req.PrivacyKey, req.PaymentSessionID, req.Graph, secrets, m.logger)

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsTotal.Inc()
		m.metrics.SessionsActive.Inc()
		// A teardown hook counts the destruction exactly once, whichever
		// path destroys the session: the API, the reaper, or a crash.
		s.OnDestroy(func(ctx context.Context, mode CloseMode) error {
			m.metrics.SessionsActive.Dec()
			m.metrics.SessionsDestroyed.WithLabelValues(string(mode)).Inc()
			return nil
		})
	}

	m.logger.Info().
		Str("session", id).
		Str("application", req.ApplicationID).
		Int("agents", len(req.Graph.Agents)).
		Msg("session created")
	return s, nil
}

// Get looks a session up by id.
func (m *Manager) Get(id string) (*LocalSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all live sessions.
func (m *Manager) List() []*LocalSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*LocalSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AuthenticateAgent checks an agent's per-session secret.
func (m *Manager) AuthenticateAgent(sessionID, agentName, secret string) bool {
	s, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	issued, ok := s.AgentSecret(agentName)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(issued), []byte(secret)) == 1
}

// Destroy tears one session down and removes it from the manager.
func (m *Manager) Destroy(ctx context.Context, id string, mode CloseMode) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrUnknownSession
	}
	return s.Destroy(ctx, mode)
}

// DestroyAll tears every session down concurrently, tolerating individual
// failures.
func (m *Manager) DestroyAll(ctx context.Context, mode CloseMode) {
	m.mu.Lock()
	sessions := make([]*LocalSession, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *LocalSession) {
			defer wg.Done()
			if err := s.Destroy(ctx, mode); err != nil {
				m.logger.Warn().Err(err).Str("session", s.ID()).Msg("session destroy failed")
			}
		}(s)
	}
	wg.Wait()
}

// StartReaper destroys sessions idle for longer than idleTimeout. It runs
// until ctx is cancelled. A non-positive timeout disables reaping.
func (m *Manager) StartReaper(ctx context.Context, idleTimeout, interval time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapIdle(ctx, idleTimeout)
			}
		}
	}()
}

func (m *Manager) reapIdle(ctx context.Context, idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout)
	for _, s := range m.List() {
		if s.LastActivity().Before(cutoff) {
			m.logger.Info().Str("session", s.ID()).Msg("reaping idle session")
			if err := m.Destroy(ctx, s.ID(), CloseIdle); err != nil && !errors.Is(err, ErrUnknownSession) {
				m.logger.Warn().Err(err).Str("session", s.ID()).Msg("idle reap failed")
			}
		}
	}
}
