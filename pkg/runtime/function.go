package runtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// FunctionRuntime runs an agent as an in-process function. It exists for
// embedded agents and for tests that need a real runtime without a real
// process.
type FunctionRuntime struct {
	Fn     func(ctx context.Context, params Params) error
	Logger zerolog.Logger
}

// Spawn invokes the function on its own goroutine. The stopped event is
// published when the function returns, whatever the cause.
func (r *FunctionRuntime) Spawn(ctx context.Context, params Params, bus *Bus) (Handle, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	h := &functionHandle{cancel: cancel, done: make(chan struct{})}

	logger := r.Logger.With().
		Str("session", params.SessionID).
		Str("agent", params.AgentName).
		Logger()

	go func() {
		defer close(h.done)
		defer bus.Publish(stoppedEvent())
		if r.Fn == nil {
			return
		}
		if err := r.Fn(runCtx, params); err != nil {
			logger.Warn().Err(err).Msg("function agent returned error")
			bus.Publish(logEvent(StreamStderr, err.Error()))
		}
	}()

	return h, nil
}

type functionHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Destroy cancels the function's context and waits for it to return, unless
// the caller's context gives up first.
func (h *functionHandle) Destroy(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
