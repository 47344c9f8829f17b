package runtime

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/reef/pkg/registry"
)

// killGrace is how long Destroy waits after SIGTERM before escalating to
// SIGKILL.
const killGrace = 10 * time.Second

// ExecutableRuntime runs agents as child OS processes.
type ExecutableRuntime struct {
	Command []string
	Logger  zerolog.Logger
}

// Spawn starts the command with the agent's environment. Stdout and stderr
// are streamed line by line onto the bus; a stopped event follows process
// exit exactly once.
func (r *ExecutableRuntime) Spawn(ctx context.Context, params Params, bus *Bus) (Handle, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("executable runtime for %s has no command", params.AgentName)
	}

	env, files, err := buildEnv(params, registry.RuntimeExecutable)
	if err != nil {
		return nil, err
	}
	fs := &fileSet{paths: files}

	cmd := exec.Command(r.Command[0], r.Command[1:]...)
	cmd.Dir = params.Path
	cmd.Env = envSlice(env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fs.cleanup()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		fs.cleanup()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	logger := r.Logger.With().
		Str("session", params.SessionID).
		Str("agent", params.AgentName).
		Logger()

	if err := cmd.Start(); err != nil {
		fs.cleanup()
		return nil, fmt.Errorf("start %s: %w", r.Command[0], err)
	}

	logger.Info().Str("command", r.Command[0]).Int("pid", cmd.Process.Pid).Msg("agent process started")

	h := &processHandle{cmd: cmd, files: fs, done: make(chan struct{}), logger: logger}

	var readers sync.WaitGroup
	readers.Add(2)
	go streamLines(&readers, bus, logger, StreamStdout, stdout)
	go streamLines(&readers, bus, logger, StreamStderr, stderr)

	go func() {
		readers.Wait()
		err := cmd.Wait()
		if err != nil {
			logger.Warn().Err(err).Msg("agent process exited")
		} else {
			logger.Info().Msg("agent process exited")
		}
		fs.cleanup()
		bus.Publish(stoppedEvent())
		close(h.done)
	}()

	return h, nil
}

func streamLines(wg *sync.WaitGroup, bus *Bus, logger zerolog.Logger, stream Stream, r interface{ Read([]byte) (int, error) }) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		bus.Publish(logEvent(stream, line))
		logger.Debug().Str("stream", string(stream)).Msg(line)
	}
}

type processHandle struct {
	cmd    *exec.Cmd
	files  *fileSet
	done   chan struct{}
	logger zerolog.Logger
	once   sync.Once
}

// Destroy asks the process to exit with SIGTERM, then kills it if it has not
// gone within the grace period. Safe to call more than once.
func (h *processHandle) Destroy(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		defer h.files.cleanup()

		select {
		case <-h.done:
			return
		default:
		}

		if sigErr := h.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			h.logger.Debug().Err(sigErr).Msg("sigterm failed, killing")
			err = h.cmd.Process.Kill()
			return
		}

		timer := time.NewTimer(killGrace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-ctx.Done():
			err = h.cmd.Process.Kill()
		case <-timer.C:
			h.logger.Warn().Msg("agent ignored sigterm, killing")
			err = h.cmd.Process.Kill()
		}
	})
	return err
}
