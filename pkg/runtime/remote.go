package runtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// RemoteRuntime proxies an agent hosted on another server. The agent itself
// runs remotely under a claim; locally the runtime is a duplex socket that
// shuttles frames between the local session and the exporting server.
type RemoteRuntime struct {
	// Address is the exporting server's base URL.
	Address string

	// ClaimID identifies the activated claim on the exporting server.
	ClaimID string

	Dialer *websocket.Dialer
	Logger zerolog.Logger

	// Outbound carries frames from the local session to the remote agent.
	Outbound <-chan []byte

	// OnFrame receives every frame arriving from the remote agent.
	OnFrame func([]byte)
}

// ExportSocketURL builds the websocket URL the importing side dials for a
// claim.
func ExportSocketURL(address, claimID string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parse remote address %q: %w", address, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported remote scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/v1/export/" + claimID
	return u.String(), nil
}

// Spawn dials the exporting server. The socket closing for any reason is the
// remote agent stopping, so it is reported as a stopped event.
func (r *RemoteRuntime) Spawn(ctx context.Context, params Params, bus *Bus) (Handle, error) {
	wsURL, err := ExportSocketURL(r.Address, r.ClaimID)
	if err != nil {
		return nil, err
	}

	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial remote agent %s: %w", wsURL, err)
	}

	logger := r.Logger.With().
		Str("session", params.SessionID).
		Str("agent", params.AgentName).
		Str("claim", r.ClaimID).
		Logger()
	logger.Info().Str("address", r.Address).Msg("remote agent connected")

	h := &remoteHandle{conn: conn, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer bus.Publish(stoppedEvent())
		defer conn.Close()
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug().Err(err).Msg("remote socket closed")
				}
				return
			}
			if r.OnFrame != nil {
				r.OnFrame(frame)
			}
		}
	}()

	if r.Outbound != nil {
		go func() {
			for {
				select {
				case frame, ok := <-r.Outbound:
					if !ok {
						return
					}
					if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						logger.Debug().Err(err).Msg("remote socket write failed")
						return
					}
				case <-h.done:
					return
				}
			}
		}()
	}

	return h, nil
}

type remoteHandle struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

// Destroy closes the socket. The reader goroutine observes the close and
// publishes the stopped event.
func (h *remoteHandle) Destroy(ctx context.Context) error {
	h.once.Do(func() {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(time.Second)
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = h.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		h.conn.Close()
	})
	return nil
}
