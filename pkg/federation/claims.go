// Package federation lets one server claim and run another server's agents.
// The exporting side stores claims, executes them into single-agent exported
// sessions, and bridges the agent's push-stream transport to the importing
// server's socket.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/reef/internal/metrics"
	"github.com/harun/reef/pkg/graph"
	"github.com/harun/reef/pkg/registry"
	"github.com/harun/reef/pkg/session"
)

var (
	ErrUnknownClaim = errors.New("unknown claim")
	ErrClaimActive  = errors.New("claim already executed")
)

// ClaimState is the one-way claim lifecycle.
type ClaimState string

const (
	ClaimPending ClaimState = "pending"
	ClaimActive  ClaimState = "active"
)

// Claim authorizes the importing server to run one of this server's agents.
type Claim struct {
	ID               string
	State            ClaimState
	AgentName        string
	Agent            *graph.Agent
	PaymentSessionID string
	Wallet           string
}

// ClaimRequest is the wire form of a claim negotiation.
type ClaimRequest struct {
	AgentName        string             `json:"agent_name"`
	RegistryName     string             `json:"registry_name"`
	Runtime          registry.RuntimeID `json:"runtime"`
	Options          map[string]any     `json:"options,omitempty"`
	SystemPrompt     string             `json:"system_prompt,omitempty"`
	PaymentSessionID string             `json:"payment_session_id,omitempty"`
	Wallet           string             `json:"wallet,omitempty"`
	MaxCost          int64              `json:"max_cost,omitempty"`
}

// ClaimResponse carries the allocated claim id back to the importer.
type ClaimResponse struct {
	ClaimID string `json:"claim_id"`
}

// PaymentNotifier observes payment sessions fully closing. It is the only
// coupling point to billing: the core emits the event and computes nothing.
type PaymentNotifier interface {
	PaymentSessionClosed(paymentSessionID string)
}

// Spawner is the slice of the orchestrator the claim manager needs.
type Spawner interface {
	SpawnExported(owner session.Session, engine *session.Engine, name string, agent *graph.Agent, secret string) error
}

// Manager owns claims and the exported sessions they were executed into.
type Manager struct {
	mu       sync.Mutex
	claims   map[string]*Claim
	sessions map[string]*RemoteSession
	// payRefs counts live claims per payment session; the notifier fires
	// when a payment session's count reaches zero.
	payRefs map[string]int

	registry *registry.Registry
	spawner  Spawner
	notifier PaymentNotifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewManager creates a claim manager.
func NewManager(reg *registry.Registry, spawner Spawner, notifier PaymentNotifier, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		claims:   make(map[string]*Claim),
		sessions: make(map[string]*RemoteSession),
		payRefs:  make(map[string]int),
		registry: reg,
		spawner:  spawner,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// CreateClaim validates the requested agent against the registry, stores a
// pending claim, and counts it against its payment session.
func (m *Manager) CreateClaim(req ClaimRequest) (*Claim, error) {
	entry, err := m.registry.Lookup(req.RegistryName)
	if err != nil {
		return nil, err
	}
	if !entry.Runtimes.Has(req.Runtime) {
		return nil, fmt.Errorf("agent %s does not support runtime %s", req.RegistryName, req.Runtime)
	}

	name := req.AgentName
	if name == "" {
		name = req.RegistryName
	}
	claim := &Claim{
		ID:        uuid.NewString(),
		State:     ClaimPending,
		AgentName: name,
		Agent: &graph.Agent{
			Name:         name,
			RegistryName: req.RegistryName,
			Options:      req.Options,
			SystemPrompt: req.SystemPrompt,
			Blocking:     true,
			Provider:     &graph.Local{Runtime: req.Runtime},
		},
		PaymentSessionID: req.PaymentSessionID,
		Wallet:           req.Wallet,
	}

	m.mu.Lock()
	m.claims[claim.ID] = claim
	if claim.PaymentSessionID != "" {
		m.payRefs[claim.PaymentSessionID]++
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ClaimsCreatedTotal.Inc()
	}
	m.logger.Info().
		Str("claim", claim.ID).
		Str("agent", req.RegistryName).
		Str("payment_session", req.PaymentSessionID).
		Msg("claim created")
	return claim, nil
}

// Claim returns a claim by id.
func (m *Manager) Claim(id string) (*Claim, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	return c, ok
}

// Session returns the exported session a claim was executed into.
func (m *Manager) Session(claimID string) (*RemoteSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[claimID]
	return s, ok
}

// SessionByID resolves an exported session by its session id, the id the
// spawned agent itself knows. Agents address the server with their session
// id, not the claim id that produced it.
func (m *Manager) SessionByID(sessionID string) (*RemoteSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rs := range m.sessions {
		if rs.ID() == sessionID {
			return rs, true
		}
	}
	return nil, false
}

// ExecuteClaim transitions a claim Pending to Active and spawns the claimed
// agent into a fresh exported session. Claims are one-shot: executing an
// Active claim fails.
func (m *Manager) ExecuteClaim(ctx context.Context, id string) (*RemoteSession, error) {
	m.mu.Lock()
	claim, ok := m.claims[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownClaim
	}
	if claim.State == ClaimActive {
		m.mu.Unlock()
		return nil, ErrClaimActive
	}
	claim.State = ClaimActive

	// Register before spawning. If the runtime dies while the spawn is
	// still in flight, the watcher's destroy must find the session here,
	// or finalize would run against an unregistered session and a later
	// insert would resurrect it permanently.
	rs := newRemoteSession(claim, m.logger)
	rs.onDestroyed = func() { m.finalize(claim) }
	m.sessions[id] = rs
	m.mu.Unlock()

	if err := m.spawner.SpawnExported(rs, rs.Engine(), claim.AgentName, claim.Agent, rs.Secret()); err != nil {
		_ = rs.Destroy(ctx, session.CloseCrashed)
		return nil, fmt.Errorf("execute claim %s: %w", id, err)
	}

	if m.metrics != nil {
		m.metrics.ClaimsExecutedTotal.Inc()
	}
	m.logger.Info().Str("claim", id).Str("session", rs.ID()).Msg("claim executed")
	return rs, nil
}

// CloseSession destroys a claim's exported session. Bookkeeping removal and
// payment notification run after destruction, so cleanup logic can still
// look the session up while it tears down.
func (m *Manager) CloseSession(ctx context.Context, claimID string, mode session.CloseMode) error {
	m.mu.Lock()
	rs, ok := m.sessions[claimID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownClaim
	}
	return rs.Destroy(ctx, mode)
}

// finalize runs once per exported session, after its destruction: it drops
// the bookkeeping entries and releases the claim's payment reference.
func (m *Manager) finalize(claim *Claim) {
	m.mu.Lock()
	delete(m.sessions, claim.ID)
	delete(m.claims, claim.ID)

	var notify bool
	if claim.PaymentSessionID != "" {
		m.payRefs[claim.PaymentSessionID]--
		if m.payRefs[claim.PaymentSessionID] <= 0 {
			delete(m.payRefs, claim.PaymentSessionID)
			notify = true
		}
	}
	m.mu.Unlock()

	if notify && m.notifier != nil {
		m.notifier.PaymentSessionClosed(claim.PaymentSessionID)
	}
	m.logger.Debug().Str("claim", claim.ID).Msg("claim released")
}

// DestroyAll closes every exported session.
func (m *Manager) DestroyAll(ctx context.Context, mode session.CloseMode) {
	m.mu.Lock()
	sessions := make([]*RemoteSession, 0, len(m.sessions))
	for _, rs := range m.sessions {
		sessions = append(sessions, rs)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, rs := range sessions {
		wg.Add(1)
		go func(rs *RemoteSession) {
			defer wg.Done()
			if err := rs.Destroy(ctx, mode); err != nil {
				m.logger.Warn().Err(err).Str("session", rs.ID()).Msg("exported session destroy failed")
			}
		}(rs)
	}
	wg.Wait()
}
