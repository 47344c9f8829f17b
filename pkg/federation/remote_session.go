package federation

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/reef/pkg/session"
)

// ErrAlreadyConnected is returned when an exported agent's push-stream is
// connected twice.
var ErrAlreadyConnected = errors.New("agent stream already connected")

// frameBuffer bounds each relay direction.
const frameBuffer = 256

// RemoteSession is the exporting server's view of one claimed agent living
// inside an importing server's session. It always wraps exactly one agent
// and dies with it, however the death is observed.
type RemoteSession struct {
	id        string
	claimID   string
	payment   string
	agentName string
	secret    string

	engine *session.Engine

	// inbound carries frames from the importing server to the agent's
	// push-stream; outbound carries frames the agent pushes back.
	inbound  chan []byte
	outbound chan []byte

	mu        sync.Mutex
	connected bool
	streamUp  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	teardown    []func(ctx context.Context, mode session.CloseMode) error
	onDestroyed func()

	logger zerolog.Logger
}

func newRemoteSession(claim *Claim, logger zerolog.Logger) *RemoteSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteSession{
		id:        uuid.NewString(),
		claimID:   claim.ID,
		payment:   claim.PaymentSessionID,
		agentName: claim.AgentName,
		secret:    uuid.NewString(),
		engine:    session.NewEngine(nil, logger),
		inbound:   make(chan []byte, frameBuffer),
		outbound:  make(chan []byte, frameBuffer),
		streamUp:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

func (s *RemoteSession) ID() string               { return s.id }
func (s *RemoteSession) ClaimID() string          { return s.claimID }
func (s *RemoteSession) PaymentSessionID() string { return s.payment }
func (s *RemoteSession) AgentName() string        { return s.agentName }
func (s *RemoteSession) Secret() string           { return s.secret }
func (s *RemoteSession) Engine() *session.Engine  { return s.engine }
func (s *RemoteSession) Context() context.Context { return s.ctx }

// Inbound is the frame sink feeding the agent's push-stream.
func (s *RemoteSession) Inbound() chan []byte { return s.inbound }

// Outbound is the frame source the agent pushes onto.
func (s *RemoteSession) Outbound() chan []byte { return s.outbound }

// ConnectStream marks the agent's push-stream as attached. A second
// connection for the same exported agent is an error.
func (s *RemoteSession) ConnectStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return ErrAlreadyConnected
	}
	s.connected = true
	close(s.streamUp)
	return nil
}

// AwaitStream blocks until the agent's push-stream has attached, the
// session dies, or ctx expires.
func (s *RemoteSession) AwaitStream(ctx context.Context) error {
	select {
	case <-s.streamUp:
		return nil
	case <-s.ctx.Done():
		return errors.New("session closed before agent stream connected")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnDestroy registers a teardown hook, mirroring LocalSession semantics.
func (s *RemoteSession) OnDestroy(fn func(ctx context.Context, mode session.CloseMode) error) {
	s.mu.Lock()
	if s.ctx.Err() == nil {
		s.teardown = append(s.teardown, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := fn(context.Background(), session.CloseNormal); err != nil {
		s.logger.Warn().Err(err).Str("session", s.id).Msg("late teardown hook failed")
	}
}

// Destroy tears the exported session down exactly once, no matter how many
// paths observe the agent's death (runtime stop, stream drop, socket drop).
func (s *RemoteSession) Destroy(ctx context.Context, mode session.CloseMode) error {
	s.once.Do(func() {
		s.logger.Info().
			Str("session", s.id).
			Str("claim", s.claimID).
			Str("mode", string(mode)).
			Msg("destroying exported session")
		s.cancel()

		s.mu.Lock()
		hooks := s.teardown
		s.teardown = nil
		s.mu.Unlock()

		for _, fn := range hooks {
			if err := fn(ctx, mode); err != nil {
				s.logger.Warn().Err(err).Str("session", s.id).Msg("exported teardown hook failed")
			}
		}
		s.engine.Close()
		if s.onDestroyed != nil {
			s.onDestroyed()
		}
	})
	return nil
}
