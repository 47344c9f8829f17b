package graph

import (
	"encoding/json"
	"fmt"
)

// AgentRequest is the wire form of one graph agent in a session-creation
// request. Provider is discriminated by its "type" field.
type AgentRequest struct {
	Agent        string          `json:"agent"`
	Options      map[string]any  `json:"options"`
	SystemPrompt string          `json:"system_prompt"`
	ExtraTools   []string        `json:"extra_tools"`
	Blocking     *bool           `json:"blocking"`
	Provider     json.RawMessage `json:"provider"`
}

// GraphRequest is the wire form of a full agent graph.
type GraphRequest struct {
	Agents      map[string]AgentRequest `json:"agents"`
	CustomTools map[string]CustomTool   `json:"custom_tools"`
	Groups      [][]string              `json:"groups"`
}

type providerEnvelope struct {
	Type string `json:"type"`
}

// DecodeProvider parses a provider from its discriminated wire form.
func DecodeProvider(raw json.RawMessage) (Provider, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing provider")
	}

	var envelope providerEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode provider: %w", err)
	}

	switch envelope.Type {
	case "local":
		var p Local
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode local provider: %w", err)
		}
		if err := validRuntime(p.Runtime); err != nil {
			return nil, err
		}
		return &p, nil

	case "remote":
		var p Remote
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode remote provider: %w", err)
		}
		if err := validRuntime(p.Runtime); err != nil {
			return nil, err
		}
		return &p, nil

	case "remote_request":
		var p RemoteRequest
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode remote request provider: %w", err)
		}
		if err := validRuntime(p.Runtime); err != nil {
			return nil, err
		}
		if len(p.Source.Addresses) == 0 {
			return nil, fmt.Errorf("remote request provider lists no servers")
		}
		return &p, nil

	default:
		return nil, fmt.Errorf("unknown provider type: %q", envelope.Type)
	}
}

// Build converts a wire request into a validated Graph.
func (r GraphRequest) Build() (*Graph, error) {
	g := &Graph{
		Agents:      make(map[string]*Agent, len(r.Agents)),
		CustomTools: r.CustomTools,
		Groups:      r.Groups,
	}
	if g.CustomTools == nil {
		g.CustomTools = map[string]CustomTool{}
	}

	for name, req := range r.Agents {
		provider, err := DecodeProvider(req.Provider)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}

		registryName := req.Agent
		if registryName == "" {
			registryName = name
		}

		blocking := true
		if req.Blocking != nil {
			blocking = *req.Blocking
		}

		options := req.Options
		if options == nil {
			options = map[string]any{}
		}

		g.Agents[name] = &Agent{
			Name:         name,
			RegistryName: registryName,
			Options:      options,
			SystemPrompt: req.SystemPrompt,
			ExtraTools:   req.ExtraTools,
			Blocking:     blocking,
			Provider:     provider,
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
