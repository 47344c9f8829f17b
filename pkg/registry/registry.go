// Package registry holds the catalog of agents this server can orchestrate.
// The registry is loaded from a TOML file and can be hot-reloaded while the
// server runs.
package registry

import (
	"fmt"
	"sync"
)

// RuntimeID identifies an execution substrate for an agent.
type RuntimeID string

const (
	RuntimeExecutable RuntimeID = "executable"
	RuntimeDocker     RuntimeID = "docker"
	RuntimeFunction   RuntimeID = "function"
)

// ExecutableRuntime describes how to launch an agent as a local OS process.
type ExecutableRuntime struct {
	Command []string `toml:"command"`
}

// DockerRuntime describes how to launch an agent inside a container.
type DockerRuntime struct {
	Image string `toml:"image"`
}

// Runtimes lists the substrates an agent supports. A nil entry means the
// runtime is not available for that agent.
type Runtimes struct {
	Executable *ExecutableRuntime `toml:"executable"`
	Docker     *DockerRuntime     `toml:"docker"`
}

// Supported returns the runtime ids this set provides.
func (r Runtimes) Supported() []RuntimeID {
	var ids []RuntimeID
	if r.Executable != nil {
		ids = append(ids, RuntimeExecutable)
	}
	if r.Docker != nil {
		ids = append(ids, RuntimeDocker)
	}
	return ids
}

// Has reports whether the given runtime id is available.
func (r Runtimes) Has(id RuntimeID) bool {
	switch id {
	case RuntimeExecutable:
		return r.Executable != nil
	case RuntimeDocker:
		return r.Docker != nil
	default:
		return false
	}
}

// Agent is one entry in the registry: an external program this server knows
// how to spawn on behalf of a session.
type Agent struct {
	Name        string            `toml:"name"`
	Description string            `toml:"description"`
	Path        string            `toml:"path"`
	Runtimes    Runtimes          `toml:"runtimes"`
	Options     map[string]Option `toml:"options"`
}

// Registry is a thread-safe lookup table of agents by name. Reload swaps the
// whole table atomically so readers never observe a partial update.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// New creates a registry from the given agents.
func New(agents []*Agent) *Registry {
	r := &Registry{agents: make(map[string]*Agent, len(agents))}
	for _, agent := range agents {
		r.agents[agent.Name] = agent
	}
	return r
}

// Lookup returns the agent with the given name.
func (r *Registry) Lookup(name string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", name)
	}
	return agent, nil
}

// Names returns all registered agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// DockerImages returns the set of container images referenced by the registry.
func (r *Registry) DockerImages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var images []string
	for _, agent := range r.agents {
		if agent.Runtimes.Docker == nil {
			continue
		}
		image := agent.Runtimes.Docker.Image
		if _, dup := seen[image]; dup {
			continue
		}
		seen[image] = struct{}{}
		images = append(images, image)
	}
	return images
}

// Replace swaps the agent table for a freshly loaded one.
func (r *Registry) Replace(agents []*Agent) {
	table := make(map[string]*Agent, len(agents))
	for _, agent := range agents {
		table[agent.Name] = agent
	}

	r.mu.Lock()
	r.agents = table
	r.mu.Unlock()
}
