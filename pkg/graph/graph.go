// Package graph models the set of agents a session is created with: which
// registry agents to spawn, who provides them, and how they are grouped.
package graph

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// CustomTool is a caller-supplied tool exposed to agents in a session. The
// input schema is JSON Schema and must compile.
type CustomTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	URL         string          `json:"url"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Validate compiles the tool's input schema.
func (t CustomTool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("custom tool has no name")
	}
	if len(t.InputSchema) > 0 {
		loader := gojsonschema.NewBytesLoader(t.InputSchema)
		if _, err := gojsonschema.NewSchema(loader); err != nil {
			return fmt.Errorf("custom tool %s: invalid input schema: %w", t.Name, err)
		}
	}
	return nil
}

// Agent is one node of the graph: a registry agent reference plus the
// per-session configuration it is spawned with.
type Agent struct {
	// Name is the unique name of this agent within the session.
	Name string

	// RegistryName is the registry agent this node refers to.
	RegistryName string

	// Options are the raw option values supplied by the caller, resolved
	// against the registry declaration before spawning.
	Options map[string]any

	// SystemPrompt is passed to the agent via CORAL_PROMPT_SYSTEM.
	SystemPrompt string

	// ExtraTools names custom tools from the graph this agent may call.
	ExtraTools []string

	// Blocking agents end the session when their runtime stops. Non-blocking
	// agents are also excluded from group readiness computation.
	Blocking bool

	// Provider decides where the agent runs.
	Provider Provider
}

// Graph is a full agent graph as attached to a session.
type Graph struct {
	Agents      map[string]*Agent
	CustomTools map[string]CustomTool
	Groups      [][]string
}

// Validate checks graph-level invariants: every group member must exist as
// an agent, every extra tool must exist as a custom tool, and custom tool
// schemas must compile.
func (g *Graph) Validate() error {
	if len(g.Agents) == 0 {
		return fmt.Errorf("agent graph has no agents")
	}

	for name, agent := range g.Agents {
		if agent.Provider == nil {
			return fmt.Errorf("agent %s has no provider", name)
		}
		for _, tool := range agent.ExtraTools {
			if _, ok := g.CustomTools[tool]; !ok {
				return fmt.Errorf("agent %s references unknown tool %q", name, tool)
			}
		}
	}

	for _, group := range g.Groups {
		for _, member := range group {
			if _, ok := g.Agents[member]; !ok {
				return fmt.Errorf("group references unknown agent %q", member)
			}
		}
	}

	for _, tool := range g.CustomTools {
		if err := tool.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Partition computes the connectivity partition over blocking agents: agents
// sharing a group are merged into one scheduling unit, agents appearing in
// no group get a singleton unit. Non-blocking agents are left out entirely.
func (g *Graph) Partition() [][]string {
	parent := make(map[string]string)

	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	blocking := func(name string) bool {
		agent, ok := g.Agents[name]
		return ok && agent.Blocking
	}

	for name := range g.Agents {
		if blocking(name) {
			parent[name] = name
		}
	}

	for _, group := range g.Groups {
		var prev string
		for _, member := range group {
			if !blocking(member) {
				continue
			}
			if prev != "" {
				union(prev, member)
			}
			prev = member
		}
	}

	sets := make(map[string][]string)
	for name := range parent {
		root := find(name)
		sets[root] = append(sets[root], name)
	}

	partition := make([][]string, 0, len(sets))
	for _, members := range sets {
		partition = append(partition, members)
	}
	return partition
}

// RemoteRequests returns the agents whose provider is still an unresolved
// RemoteRequest. These must be resolved before orchestration.
func (g *Graph) RemoteRequests() []*Agent {
	var unresolved []*Agent
	for _, agent := range g.Agents {
		if _, ok := agent.Provider.(*RemoteRequest); ok {
			unresolved = append(unresolved, agent)
		}
	}
	return unresolved
}
