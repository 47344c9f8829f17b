// Package orchestrator supervises agent runtimes across sessions: it
// resolves which runtime a graph agent should use, spawns it with a
// per-(session, agent) event bus, watches for unexpected termination, and
// tears the owning session down per the blocking-agent rule.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/reef/internal/metrics"
	"github.com/harun/reef/pkg/eventbus"
	"github.com/harun/reef/pkg/graph"
	"github.com/harun/reef/pkg/registry"
	"github.com/harun/reef/pkg/runtime"
	"github.com/harun/reef/pkg/session"
)

// RemoteClaimer negotiates a claim against an exporting server. The
// federation layer provides the real implementation.
type RemoteClaimer interface {
	NegotiateClaim(ctx context.Context, address string, agent *graph.Agent, paymentSessionID string) (claimID string, err error)
}

// RelayBinder connects a remote agent's frame relay to the local session's
// transport. It returns the outbound frame source and the inbound frame
// sink for one agent.
type RelayBinder func(sessionID, agentName string) (outbound <-chan []byte, onFrame func([]byte))

// Endpoints are the connection URLs handed to spawned agents.
type Endpoints struct {
	// BaseURL is this server's externally reachable address.
	BaseURL string
}

func (e Endpoints) apiURL() string { return e.BaseURL + "/api/v1" }

func (e Endpoints) sseURL(sessionID string) string {
	return e.BaseURL + "/sse/v1/" + sessionID
}

func (e Endpoints) connectionURL(sessionID, agentName, secret string) string {
	return fmt.Sprintf("%s/sse/v1/%s?agentId=%s&secret=%s", e.BaseURL, sessionID, agentName, secret)
}

type busKey struct {
	sessionID string
	agentName string
}

// Orchestrator owns the cross-session handle and event-bus maps.
type Orchestrator struct {
	registry  *registry.Registry
	endpoints Endpoints
	claimer   RemoteClaimer
	binder    RelayBinder
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// functions maps registry agent names to in-process agent callbacks.
	functions map[string]func(ctx context.Context, params runtime.Params) error

	mu           sync.Mutex
	handles      map[string][]runtime.Handle
	buses        map[busKey]*runtime.Bus
	unavailable  map[string]error
	dockerStop   time.Duration
	dockerExtras []string
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithClaimer wires the federation claim client used for remote providers.
func WithClaimer(c RemoteClaimer) Option {
	return func(o *Orchestrator) { o.claimer = c }
}

// WithRelayBinder wires remote agent frame relays into session transports.
func WithRelayBinder(b RelayBinder) Option {
	return func(o *Orchestrator) { o.binder = b }
}

// WithMetrics enables spawn and crash accounting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDockerArgs appends extra arguments to every container create.
func WithDockerArgs(args ...string) Option {
	return func(o *Orchestrator) { o.dockerExtras = args }
}

// WithDockerStopTimeout bounds the graceful container stop before the kill.
// Non-positive values keep the default.
func WithDockerStopTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.dockerStop = d
		}
	}
}

// New creates an orchestrator over the given registry.
func New(reg *registry.Registry, endpoints Endpoints, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    reg,
		endpoints:   endpoints,
		logger:      logger,
		functions:   make(map[string]func(ctx context.Context, params runtime.Params) error),
		handles:     make(map[string][]runtime.Handle),
		buses:       make(map[busKey]*runtime.Bus),
		unavailable: make(map[string]error),
		dockerStop:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterFunction installs an in-process callback for a registry agent that
// declares the function runtime. Without one, function agents run as no-op
// stubs.
func (o *Orchestrator) RegisterFunction(registryName string, fn func(ctx context.Context, params runtime.Params) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.functions[registryName] = fn
}

// PrePullImages pulls every container image the registry references.
// Failures are logged and mark that image's docker runtime unavailable; the
// server still starts.
func (o *Orchestrator) PrePullImages(ctx context.Context) {
	for _, image := range o.registry.DockerImages() {
		if err := runtime.PullImage(ctx, image); err != nil {
			o.logger.Warn().Err(err).Str("image", image).Msg("image pre-pull failed, docker runtime unavailable for this image")
			o.mu.Lock()
			o.unavailable[image] = err
			o.mu.Unlock()
			continue
		}
		o.logger.Debug().Str("image", image).Msg("image pre-pulled")
	}
}

// Bus returns the event bus for one spawned agent, if any.
func (o *Orchestrator) Bus(sessionID, agentName string) (*runtime.Bus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	bus, ok := o.buses[busKey{sessionID, agentName}]
	return bus, ok
}

// HandleCount reports the number of live handles for a session.
func (o *Orchestrator) HandleCount(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles[sessionID])
}

// StartSession binds session teardown to handle destruction and spawns every
// agent of the session's graph. The first local spawn failure aborts and is
// returned; the caller owns destroying the partially started session.
func (o *Orchestrator) StartSession(s *session.LocalSession) error {
	id := s.ID()
	s.OnDestroy(func(ctx context.Context, mode session.CloseMode) error {
		return o.KillForSession(ctx, id)
	})

	for name, agent := range s.Graph().Agents {
		if err := o.SpawnForSession(s, name, agent); err != nil {
			return fmt.Errorf("spawn agent %s: %w", name, err)
		}
	}
	return nil
}

// SpawnForSession spawns one graph agent for a local session. Local
// providers fail fast; remote providers spawn asynchronously and never
// block. A RemoteRequest provider is a programming error: it must have been
// resolved to Remote before orchestration.
func (o *Orchestrator) SpawnForSession(s *session.LocalSession, name string, agent *graph.Agent) error {
	secret, _ := s.AgentSecret(name)
	params, err := o.buildParams(runtime.SessionLocal, s.ID(), name, agent, secret)
	if err != nil {
		return err
	}

	switch provider := agent.Provider.(type) {
	case *graph.Local:
		rt, err := o.resolveRuntime(agent, provider.Runtime)
		if err != nil {
			return err
		}
		return o.launch(s, s.Engine(), params, provider.Runtime, rt, agent.Blocking)
	case *graph.Remote:
		o.spawnRemoteAsync(s, name, agent, provider, params)
		return nil
	case *graph.RemoteRequest:
		return fmt.Errorf("agent %s: provider is an unresolved remote request", name)
	default:
		return fmt.Errorf("agent %s: unknown provider %s", name, graph.ProviderKind(agent.Provider))
	}
}

// SpawnExported spawns the single agent of an exported session on behalf of
// a claim. An exported session always dies with its agent.
func (o *Orchestrator) SpawnExported(owner session.Session, engine *session.Engine, name string, agent *graph.Agent, secret string) error {
	local, ok := agent.Provider.(*graph.Local)
	if !ok {
		return fmt.Errorf("exported agent %s must have a local provider, got %s", name, graph.ProviderKind(agent.Provider))
	}
	rt, err := o.resolveRuntime(agent, local.Runtime)
	if err != nil {
		return err
	}
	params, err := o.buildParams(runtime.SessionRemote, owner.ID(), name, agent, secret)
	if err != nil {
		return err
	}
	return o.launch(owner, engine, params, local.Runtime, rt, true)
}

// buildParams assembles runtime params, resolving the agent's options and
// path against the registry when the agent is registry-backed.
func (o *Orchestrator) buildParams(kind runtime.SessionKind, sessionID, name string, agent *graph.Agent, secret string) (runtime.Params, error) {
	params := runtime.Params{
		SessionKind:   kind,
		SessionID:     sessionID,
		AgentName:     name,
		Secret:        secret,
		SystemPrompt:  agent.SystemPrompt,
		ConnectionURL: o.endpoints.connectionURL(sessionID, name, secret),
		APIURL:        o.endpoints.apiURL(),
		SSEURL:        o.endpoints.sseURL(sessionID),
	}

	// Agents outside the registry (function stubs, remote proxies) spawn
	// with unresolved options.
	if entry, err := o.registry.Lookup(agent.RegistryName); err == nil {
		options, err := entry.ResolveOptions(agent.Options)
		if err != nil {
			return runtime.Params{}, fmt.Errorf("agent %s: %w", name, err)
		}
		params.Options = options
		params.Path = entry.Path
	}

	return params, nil
}

func (o *Orchestrator) resolveRuntime(agent *graph.Agent, id registry.RuntimeID) (runtime.Runtime, error) {
	// Function runtimes are in-process and need no registry declaration.
	if id == registry.RuntimeFunction {
		o.mu.Lock()
		fn := o.functions[agent.RegistryName]
		o.mu.Unlock()
		if fn == nil {
			return nil, fmt.Errorf("no function registered for agent %s", agent.RegistryName)
		}
		return &runtime.FunctionRuntime{Fn: fn, Logger: o.logger}, nil
	}

	entry, err := o.registry.Lookup(agent.RegistryName)
	if err != nil {
		return nil, err
	}
	if !entry.Runtimes.Has(id) {
		return nil, fmt.Errorf("agent %s does not support runtime %s", agent.RegistryName, id)
	}

	switch id {
	case registry.RuntimeExecutable:
		return &runtime.ExecutableRuntime{
			Command: entry.Runtimes.Executable.Command,
			Logger:  o.logger,
		}, nil
	case registry.RuntimeDocker:
		image := entry.Runtimes.Docker.Image
		o.mu.Lock()
		pullErr := o.unavailable[image]
		o.mu.Unlock()
		if pullErr != nil {
			return nil, fmt.Errorf("agent %s: docker runtime unavailable: %w", agent.RegistryName, pullErr)
		}
		return &runtime.DockerRuntime{
			Image:       image,
			Logger:      o.logger,
			ExtraArgs:   o.dockerExtras,
			StopTimeout: o.dockerStop,
		}, nil
	default:
		return nil, fmt.Errorf("unknown runtime id %s", id)
	}
}

// launch spawns, registers the handle, and starts the crash watcher. Spawn
// failures return synchronously with no watcher started.
func (o *Orchestrator) launch(owner session.Session, engine *session.Engine, params runtime.Params, id registry.RuntimeID, rt runtime.Runtime, blocking bool) error {
	bus := eventbus.New[runtime.Event](eventbus.DefaultReplay)

	handle, err := rt.Spawn(context.Background(), params, bus)
	if err != nil {
		if o.metrics != nil {
			o.metrics.AgentSpawnErrors.WithLabelValues(string(id)).Inc()
		}
		bus.Close()
		return err
	}

	o.mu.Lock()
	o.handles[params.SessionID] = append(o.handles[params.SessionID], handle)
	o.buses[busKey{params.SessionID, params.AgentName}] = bus
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.AgentsSpawnedTotal.WithLabelValues(string(id)).Inc()
	}
	o.logger.Info().
		Str("session", params.SessionID).
		Str("agent", params.AgentName).
		Str("runtime", string(id)).
		Msg("agent spawned")

	go o.watch(owner, engine, params, bus, handle, blocking)
	return nil
}

// watch observes one handle's event bus and reacts to the stopped event:
// drop the handle, mark the agent dead, and tear the owning session down
// when the agent was load-bearing.
func (o *Orchestrator) watch(owner session.Session, engine *session.Engine, params runtime.Params, bus *runtime.Bus, handle runtime.Handle, blocking bool) {
	events, cancel := bus.Subscribe(eventbus.DefaultReplay)
	defer cancel()

	for ev := range events {
		if ev.Kind != runtime.EventStopped {
			continue
		}

		o.removeHandle(params.SessionID, handle)
		if engine != nil {
			engine.SetAgentState(params.AgentName, session.AgentDead)
		}
		if o.metrics != nil {
			o.metrics.AgentCrashesTotal.Inc()
		}
		o.logger.Info().
			Str("session", params.SessionID).
			Str("agent", params.AgentName).
			Bool("blocking", blocking).
			Msg("agent runtime stopped")

		if blocking {
			ctx, cancelDestroy := context.WithTimeout(context.Background(), 30*time.Second)
			if err := owner.Destroy(ctx, session.CloseCrashed); err != nil {
				o.logger.Warn().Err(err).Str("session", params.SessionID).Msg("crash teardown failed")
			}
			cancelDestroy()
		}
		return
	}
}

func (o *Orchestrator) removeHandle(sessionID string, handle runtime.Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	live := o.handles[sessionID]
	for i, h := range live {
		if h == handle {
			o.handles[sessionID] = append(live[:i], live[i+1:]...)
			break
		}
	}
	if len(o.handles[sessionID]) == 0 {
		delete(o.handles, sessionID)
	}
}

// spawnRemoteAsync negotiates a claim (unless the provider already carries
// one) and spawns the relay runtime. It never blocks the caller; failures
// are logged and surface as a dead agent, not an error.
func (o *Orchestrator) spawnRemoteAsync(s *session.LocalSession, name string, agent *graph.Agent, provider *graph.Remote, params runtime.Params) {
	go func() {
		claimID := provider.ClaimID
		if claimID == "" {
			if o.claimer == nil {
				o.logger.Error().Str("agent", name).Msg("remote provider without claim and no claimer configured")
				s.Engine().SetAgentState(name, session.AgentDead)
				return
			}
			ctx, cancel := context.WithTimeout(s.Context(), 30*time.Second)
			id, err := o.claimer.NegotiateClaim(ctx, provider.Address, agent, s.PaymentSessionID())
			cancel()
			if err != nil {
				o.logger.Error().Err(err).Str("agent", name).Str("address", provider.Address).Msg("claim negotiation failed")
				s.Engine().SetAgentState(name, session.AgentDead)
				return
			}
			claimID = id
		}

		rt := &runtime.RemoteRuntime{
			Address: provider.Address,
			ClaimID: claimID,
			Logger:  o.logger,
		}
		if o.binder != nil {
			rt.Outbound, rt.OnFrame = o.binder(s.ID(), name)
		}

		if err := o.launch(s, s.Engine(), params, registry.RuntimeID("remote"), rt, agent.Blocking); err != nil {
			o.logger.Error().Err(err).Str("agent", name).Msg("remote agent spawn failed")
			s.Engine().SetAgentState(name, session.AgentDead)
		}
	}()
}

// KillForSession destroys every handle of one session concurrently,
// tolerating individual failures, and closes the session's event buses.
func (o *Orchestrator) KillForSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	handles := o.handles[sessionID]
	delete(o.handles, sessionID)
	var buses []*runtime.Bus
	for key, bus := range o.buses {
		if key.sessionID == sessionID {
			buses = append(buses, bus)
			delete(o.buses, key)
		}
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h runtime.Handle) {
			defer wg.Done()
			if err := h.Destroy(ctx); err != nil {
				o.logger.Warn().Err(err).Str("session", sessionID).Msg("handle destroy failed")
			}
		}(h)
	}
	wg.Wait()

	for _, bus := range buses {
		bus.Close()
	}
	return nil
}

// Destroy tears down every handle of every session.
func (o *Orchestrator) Destroy(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.handles))
	for id := range o.handles {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = o.KillForSession(ctx, id)
		}(id)
	}
	wg.Wait()
}
