package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/harun/reef/pkg/federation"
	"github.com/harun/reef/pkg/graph"
	"github.com/harun/reef/pkg/session"
	"github.com/harun/reef/pkg/tools"
)

// CreateSessionRequest is the wire form of a session-creation call.
type CreateSessionRequest struct {
	ApplicationID    string             `json:"application_id"`
	PrivacyKey       string             `json:"privacy_key"`
	SessionID        string             `json:"session_id,omitempty"`
	PaymentSessionID string             `json:"payment_session_id,omitempty"`
	Graph            graph.GraphRequest `json:"graph"`
}

// SessionResponse describes one live session.
type SessionResponse struct {
	SessionID     string `json:"session_id"`
	ApplicationID string `json:"application_id"`
	CreatedAt     int64  `json:"created_at"`
	Agents        int    `json:"agents"`
}

func sessionResponse(s *session.LocalSession) SessionResponse {
	return SessionResponse{
		SessionID:     s.ID(),
		ApplicationID: s.ApplicationID(),
		CreatedAt:     s.CreatedAt().UnixMilli(),
		Agents:        len(s.Graph().Agents),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	g, err := req.Graph.Build()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.sessions.Create(session.CreateRequest{
		ApplicationID:    req.ApplicationID,
		PrivacyKey:       req.PrivacyKey,
		PaymentSessionID: req.PaymentSessionID,
		SessionID:        req.SessionID,
		Graph:            g,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, session.ErrSessionExists):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	if err := s.orch.StartSession(sess); err != nil {
		s.logger.Error().Err(err).Str("session", sess.ID()).Msg("agent spawn failed, destroying session")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = s.sessions.Destroy(ctx, sess.ID(), session.CloseCrashed)
		cancel()
		writeError(w, http.StatusInternalServerError, "failed to spawn agents: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	out := []SessionResponse{}
	for _, sess := range s.sessions.List() {
		if s.authorizedFor(r, sess) {
			out = append(out, sessionResponse(sess))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if !s.authorizedFor(r, sess) {
		writeError(w, http.StatusUnauthorized, "invalid application credentials")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if !s.authorizedFor(r, sess) {
		writeError(w, http.StatusUnauthorized, "invalid application credentials")
		return
	}
	if err := s.sessions.Destroy(r.Context(), sess.ID(), session.CloseNormal); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizedFor checks the application credentials a management call
// presents against the session's own. Devmode skips the check.
func (s *Server) authorizedFor(r *http.Request, sess *session.LocalSession) bool {
	if s.sessions.Devmode() {
		return true
	}
	appID := r.Header.Get("X-Application-Id")
	key := r.Header.Get("X-Privacy-Key")
	return appID == sess.ApplicationID() &&
		subtle.ConstantTimeCompare([]byte(key), []byte(sess.PrivacyKey())) == 1
}

// agentIdentity pulls the caller's agent id and secret from query
// parameters, falling back to headers. The query form matches the
// connection URL handed to spawned agents.
func agentIdentity(r *http.Request) (agentID, secret string) {
	agentID = r.URL.Query().Get("agentId")
	if agentID == "" {
		agentID = r.Header.Get("X-Agent-Id")
	}
	secret = r.URL.Query().Get("secret")
	if secret == "" {
		secret = r.Header.Get("X-Agent-Secret")
	}
	return agentID, secret
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	tool := r.PathValue("tool")
	agentID, secret := agentIdentity(r)

	engine, sess := s.resolveEngine(sessionID, agentID, secret)
	if engine == nil {
		writeError(w, http.StatusUnauthorized, "unknown session or invalid agent secret")
		return
	}
	if sess != nil {
		sess.Touch()
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	caller := tools.NewCaller(engine, s.options.MaxWaitTimeout, s.metrics, s.logger)
	result, err := caller.Call(r.Context(), agentID, tool, payload)
	if err != nil {
		var badReq *tools.BadRequestError
		switch {
		case errors.Is(err, tools.ErrUnknownTool):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &badReq):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// resolveEngine authenticates an agent against either a local session or an
// exported remote session and returns the engine serving it. The second
// return is non-nil only for local sessions, whose idle clock should tick.
func (s *Server) resolveEngine(sessionID, agentID, secret string) (*session.Engine, *session.LocalSession) {
	if sess, ok := s.sessions.Get(sessionID); ok {
		if s.sessions.AuthenticateAgent(sessionID, agentID, secret) {
			return sess.Engine(), sess
		}
		return nil, nil
	}
	if s.claims == nil {
		return nil, nil
	}
	rs, ok := s.claims.SessionByID(sessionID)
	if !ok || rs.AgentName() != agentID {
		return nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(rs.Secret()), []byte(secret)) != 1 {
		return nil, nil
	}
	return rs.Engine(), nil
}

func (s *Server) handleCreateClaim(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		writeError(w, http.StatusNotFound, "federation is disabled")
		return
	}

	var req federation.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	claim, err := s.claims.CreateClaim(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, federation.ClaimResponse{ClaimID: claim.ID})
}

// handleExportSocket is the importing server's side of the federation
// bridge: execute the claim, then relay frames until either side drops.
func (s *Server) handleExportSocket(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		writeError(w, http.StatusNotFound, "federation is disabled")
		return
	}
	claimID := r.PathValue("claimId")

	rs, err := s.claims.ExecuteClaim(r.Context(), claimID)
	if err != nil {
		switch {
		case errors.Is(err, federation.ErrUnknownClaim):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, federation.ErrClaimActive):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("claim", claimID).Msg("socket upgrade failed")
		_ = s.claims.CloseSession(r.Context(), claimID, session.CloseCrashed)
		return
	}
	defer conn.Close()

	if err := federation.RelayFrames(r.Context(), conn, rs, s.metrics, s.logger); err != nil {
		s.logger.Debug().Err(err).Str("claim", claimID).Msg("relay ended")
	}
}

// exportSession resolves an exported session by claim id first, then by
// session id, so both the importer and the spawned agent can address it.
func (s *Server) exportSession(externalID string) (*federation.RemoteSession, bool) {
	if s.claims == nil {
		return nil, false
	}
	if rs, ok := s.claims.Session(externalID); ok {
		return rs, true
	}
	return s.claims.SessionByID(externalID)
}

// handleExportStream is the exported agent's push-stream. Frames relayed
// from the importing server flow down this stream; the agent answers on
// the paired message endpoint.
func (s *Server) handleExportStream(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("externalId")
	rs, ok := s.exportSession(externalID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown exported agent")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if err := rs.ConnectStream(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The first event tells the agent where to push its own frames.
	writeSSE(w, "endpoint", []byte("/api/v1/message/export/"+externalID))
	flusher.Flush()

	s.logger.Info().Str("external", externalID).Str("agent", rs.AgentName()).Msg("export stream connected")

	for {
		select {
		case frame := <-rs.Inbound():
			writeSSE(w, "message", frame)
			flusher.Flush()
		case <-rs.Context().Done():
			return
		case <-r.Context().Done():
			// The agent dropped its transport; the session cannot
			// outlive it.
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = rs.Destroy(ctx, session.CloseCrashed)
			cancel()
			return
		}
	}
}

func (s *Server) handleExportMessage(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("externalId")
	rs, ok := s.exportSession(externalID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown exported agent")
		return
	}

	frame, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	select {
	case rs.Outbound() <- frame:
		w.WriteHeader(http.StatusAccepted)
	case <-rs.Context().Done():
		writeError(w, http.StatusGone, "exported session closed")
	case <-r.Context().Done():
	}
}

// handleSessionStream streams a local session's event log to one of its
// agents over SSE.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	agentID, secret := agentIdentity(r)

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		// Exported agents share the URL shape; route them to their
		// push-stream.
		if _, exported := s.exportSession(sessionID); exported {
			r.SetPathValue("externalId", sessionID)
			s.handleExportStream(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if !s.sessions.AuthenticateAgent(sessionID, agentID, secret) {
		writeError(w, http.StatusUnauthorized, "invalid agent secret")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := sess.Engine().Events().Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeSSE(w, string(ev.Kind), body)
			flusher.Flush()
		case <-sess.Context().Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w io.Writer, event string, data []byte) {
	_, _ = io.WriteString(w, "event: "+event+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(data)
	_, _ = io.WriteString(w, "\n\n")
}
