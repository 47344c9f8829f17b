package runtime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/reef/pkg/registry"
)

// CheckDocker verifies that the Docker daemon is available and responsive.
func CheckDocker() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "-q")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker is not available or not running: %w", err)
	}
	return nil
}

// PullImage fetches an image ahead of time so that spawns do not pay the
// download cost.
func PullImage(ctx context.Context, image string) error {
	cmd := exec.CommandContext(ctx, "docker", "pull", image)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker pull %s: %s: %w", image, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

var containerNameRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// containerName derives a stable, docker-legal name for an agent container.
func containerName(params Params) string {
	base := containerNameRe.ReplaceAllString(params.AgentName, "-")
	sum := sha256.Sum256([]byte(params.SessionID + "/" + params.AgentName))
	return fmt.Sprintf("reef-%s-%s", base, hex.EncodeToString(sum[:6]))
}

// DockerRuntime runs agents in docker containers driven through the docker
// CLI.
type DockerRuntime struct {
	Image  string
	Logger zerolog.Logger

	// ExtraArgs is appended to docker create verbatim.
	ExtraArgs []string

	// StopTimeout bounds docker stop before teardown escalates.
	StopTimeout time.Duration
}

// Spawn creates and starts a container, follows its logs onto the bus, and
// publishes a stopped event when the container exits.
func (r *DockerRuntime) Spawn(ctx context.Context, params Params, bus *Bus) (Handle, error) {
	if strings.TrimSpace(r.Image) == "" {
		return nil, fmt.Errorf("docker runtime for %s has no image", params.AgentName)
	}

	env, files, err := buildEnv(params, registry.RuntimeDocker)
	if err != nil {
		return nil, err
	}
	fs := &fileSet{paths: files}

	name := containerName(params)
	logger := r.Logger.With().
		Str("session", params.SessionID).
		Str("agent", params.AgentName).
		Str("container", name).
		Logger()

	args := []string{"create", "--name", name}
	if params.Path != "" {
		args = append(args, "-w", params.Path)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, env[k]))
	}
	// Option files live on the host, so they are mounted read-only at the
	// same path the env variable advertises.
	for _, path := range fs.paths {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", path, path))
	}
	args = append(args, r.ExtraArgs...)
	args = append(args, r.Image)

	if err := runDocker(ctx, args...); err != nil {
		fs.cleanup()
		return nil, fmt.Errorf("create container %s: %w", name, err)
	}
	if err := runDocker(ctx, "start", name); err != nil {
		fs.cleanup()
		_ = runDocker(context.Background(), "rm", "-f", "-v", name)
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}

	logger.Info().Str("image", r.Image).Msg("agent container started")

	stopTimeout := r.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = killGrace
	}
	h := &containerHandle{
		name:        name,
		files:       fs,
		done:        make(chan struct{}),
		logger:      logger,
		stopTimeout: stopTimeout,
	}

	go h.follow(bus)
	return h, nil
}

type containerHandle struct {
	name        string
	files       *fileSet
	done        chan struct{}
	logger      zerolog.Logger
	stopTimeout time.Duration
	once        sync.Once
}

// follow streams container logs onto the bus, then waits for the container
// to exit and reports it stopped.
func (h *containerHandle) follow(bus *Bus) {
	cmd := exec.Command("docker", "logs", "-f", h.name)
	stdout, err1 := cmd.StdoutPipe()
	stderr, err2 := cmd.StderrPipe()
	if err1 == nil && err2 == nil && cmd.Start() == nil {
		var readers sync.WaitGroup
		readers.Add(2)
		go streamLines(&readers, bus, h.logger, StreamStdout, stdout)
		go streamLines(&readers, bus, h.logger, StreamStderr, stderr)
		readers.Wait()
		_ = cmd.Wait()
	} else {
		h.logger.Warn().Msg("could not follow container logs")
		// Fall back to blocking on the container exit directly.
		_ = runDocker(context.Background(), "wait", h.name)
	}

	h.logger.Info().Msg("agent container exited")
	h.files.cleanup()
	bus.Publish(stoppedEvent())
	close(h.done)
}

// Destroy stops and removes the container, escalating to a forced removal
// when the polite path fails. Errors from containers that are already gone
// are treated as success.
func (h *containerHandle) Destroy(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		defer h.files.cleanup()

		stopCtx, cancel := context.WithTimeout(ctx, h.stopTimeout)
		defer cancel()
		if stopErr := runDocker(stopCtx, "stop", h.name); stopErr != nil && !benignDockerError(stopErr) {
			h.logger.Debug().Err(stopErr).Msg("docker stop failed")
		}

		rmErr := runDocker(ctx, "rm", "-v", h.name)
		if rmErr == nil || benignDockerError(rmErr) {
			return
		}
		h.logger.Warn().Err(rmErr).Msg("docker rm failed, forcing")
		forceErr := runDocker(ctx, "rm", "-f", "-v", h.name)
		if forceErr != nil && !benignDockerError(forceErr) {
			err = fmt.Errorf("remove container %s: %w", h.name, forceErr)
		}
	})
	return err
}

func runDocker(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %w", msg, err)
		}
		return err
	}
	return nil
}

// benignDockerError reports whether a teardown error just means the
// container is already gone or already stopped.
func benignDockerError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "not modified") ||
		strings.Contains(msg, "removal of container") && strings.Contains(msg, "already in progress")
}
