// Package server is the HTTP boundary: session lifecycle, claim negotiation,
// the per-agent push-stream transport, and the federation socket relay. All
// coordination logic lives below it; handlers translate requests into calls
// on the session manager, orchestrator, and claim manager.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/reef/internal/metrics"
	"github.com/harun/reef/pkg/federation"
	"github.com/harun/reef/pkg/orchestrator"
	"github.com/harun/reef/pkg/session"
)

// Options configures the HTTP server.
type Options struct {
	Host string
	Port int

	// MaxWaitTimeout caps agent-supplied wait timeouts on tool calls.
	MaxWaitTimeout time.Duration
}

// Server serves the API, the agent push-stream endpoints, and the
// federation relay.
type Server struct {
	options  Options
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
	claims   *federation.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	upgrader  websocket.Upgrader
	server    *http.Server
	startTime time.Time

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// NewServer wires the boundary around its collaborators.
func NewServer(options Options, sessions *session.Manager, orch *orchestrator.Orchestrator, claims *federation.Manager, m *metrics.Metrics, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 5555
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.MaxWaitTimeout == 0 {
		options.MaxWaitTimeout = 60 * time.Second
	}
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	return &Server{
		options:  options,
		sessions: sessions,
		orch:     orch,
		claims:   claims,
		metrics:  m,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.options.Host, fmt.Sprintf("%d", s.options.Port))
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /api/v1/sessions", s.track(s.handleCreateSession))
	mux.HandleFunc("GET /api/v1/sessions", s.track(s.handleListSessions))
	mux.HandleFunc("GET /api/v1/sessions/{sessionId}", s.track(s.handleGetSession))
	mux.HandleFunc("DELETE /api/v1/sessions/{sessionId}", s.track(s.handleDestroySession))

	mux.HandleFunc("POST /api/v1/sessions/{sessionId}/tools/{tool}", s.track(s.handleToolCall))

	mux.HandleFunc("POST /api/v1/claims", s.track(s.handleCreateClaim))
	mux.HandleFunc("GET /sse/v1/export/{externalId}", s.handleExportStream)
	mux.HandleFunc("POST /api/v1/message/export/{externalId}", s.track(s.handleExportMessage))
	mux.HandleFunc("GET /ws/v1/export/{claimId}", s.handleExportSocket)

	mux.HandleFunc("GET /sse/v1/{sessionId}", s.handleSessionStream)

	return mux
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.Addr(),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("starting server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("shutting down server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("shutdown drain timeout reached")
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// track rejects requests during shutdown and counts the rest so Stop can
// drain them. Streaming endpoints stay out of the drain set: they live for
// the whole session and would stall shutdown.
func (s *Server) track(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"sessions":  s.sessions.Len(),
		"timestamp": time.Now().UnixMilli(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
