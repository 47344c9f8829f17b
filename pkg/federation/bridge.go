package federation

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/reef/internal/metrics"
	"github.com/harun/reef/pkg/session"
)

const writeWait = 10 * time.Second

// RelayFrames bridges an exported session's push-stream transport to the
// importing server's socket. Frames from the socket feed the agent's
// inbound stream; frames the agent pushes go out on the socket. Both
// directions run concurrently and the bridge terminates, destroying the
// exported session, when either side disconnects.
func RelayFrames(ctx context.Context, conn *websocket.Conn, rs *RemoteSession, m *metrics.Metrics, logger zerolog.Logger) error {
	defer conn.Close()

	if err := rs.AwaitStream(ctx); err != nil {
		logger.Warn().Err(err).Str("claim", rs.ClaimID()).Msg("relay aborted before agent stream connected")
		_ = rs.Destroy(context.Background(), session.CloseCrashed)
		return err
	}

	logger.Info().Str("claim", rs.ClaimID()).Msg("relay established")

	readErr := make(chan error, 1)
	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if m != nil {
				m.RelayFramesTotal.WithLabelValues("inbound").Inc()
			}
			select {
			case rs.Inbound() <- frame:
			case <-rs.Context().Done():
				readErr <- nil
				return
			}
		}
	}()

	var cause error
loop:
	for {
		select {
		case frame := <-rs.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				cause = err
				break loop
			}
			if m != nil {
				m.RelayFramesTotal.WithLabelValues("outbound").Inc()
			}
		case err := <-readErr:
			cause = err
			break loop
		case <-rs.Context().Done():
			break loop
		case <-ctx.Done():
			cause = ctx.Err()
			break loop
		}
	}

	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Debug().Err(cause).Str("claim", rs.ClaimID()).Msg("relay terminated")
	}

	// Either side going away ends the exported session.
	destroyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = rs.Destroy(destroyCtx, session.CloseNormal)
	return cause
}
