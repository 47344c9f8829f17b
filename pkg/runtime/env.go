package runtime

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/harun/reef/pkg/registry"
)

// Reserved environment variables. These are applied after option-derived
// variables so that no registry option can shadow them.
const (
	EnvConnectionURL = "CORAL_CONNECTION_URL"
	EnvAgentID       = "CORAL_AGENT_ID"
	EnvSessionID     = "CORAL_SESSION_ID"
	EnvAPIURL        = "CORAL_API_URL"
	EnvSSEURL        = "CORAL_SSE_URL"
	EnvRuntime       = "CORAL_ORCHESTRATION_RUNTIME"
	EnvSystemPrompt  = "CORAL_PROMPT_SYSTEM"
)

// buildEnv resolves option values into environment variables and temp files,
// then overlays the reserved variables. It returns the environment as a map
// and the list of temp files created for file-transported options; the caller
// owns their removal.
func buildEnv(params Params, runtimeID registry.RuntimeID) (map[string]string, []string, error) {
	env := make(map[string]string, len(params.Options)+8)
	var files []string

	names := make([]string, 0, len(params.Options))
	for name := range params.Options {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := params.Options[name]
		switch value.Transport {
		case registry.TransportFile:
			path, err := writeOptionFile(name, value)
			if err != nil {
				removeFiles(files)
				return nil, nil, err
			}
			files = append(files, path)
			env[name] = path
		default:
			env[name] = value.EnvValue()
		}
	}

	env[EnvConnectionURL] = params.ConnectionURL
	env[EnvAgentID] = params.AgentName
	env[EnvSessionID] = params.SessionID
	env[EnvAPIURL] = params.APIURL
	env[EnvSSEURL] = params.SSEURL
	env[EnvRuntime] = string(runtimeID)
	if params.SystemPrompt != "" {
		env[EnvSystemPrompt] = params.SystemPrompt
	}

	return env, files, nil
}

func writeOptionFile(name string, value registry.OptionValue) (string, error) {
	f, err := os.CreateTemp("", "reef-opt-"+name+"-*")
	if err != nil {
		return "", fmt.Errorf("create option file for %s: %w", name, err)
	}
	if _, err := f.Write(value.FileValue()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write option file for %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close option file for %s: %w", name, err)
	}
	return f.Name(), nil
}

func removeFiles(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

// fileSet removes a set of temp files exactly once, regardless of whether
// cleanup is triggered by process exit or by an explicit destroy.
type fileSet struct {
	once  sync.Once
	paths []string
}

func (s *fileSet) cleanup() {
	s.once.Do(func() { removeFiles(s.paths) })
}

// envSlice flattens the env map into KEY=VALUE form on top of the parent
// process environment.
func envSlice(env map[string]string) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
