package graph

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/harun/reef/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localAgent(name string, blocking bool) *Agent {
	return &Agent{
		Name:         name,
		RegistryName: name,
		Blocking:     blocking,
		Provider:     &Local{Runtime: registry.RuntimeExecutable},
	}
}

func TestGraph_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		g := &Graph{
			Agents: map[string]*Agent{
				"a": localAgent("a", true),
				"b": localAgent("b", true),
			},
			Groups: [][]string{{"a", "b"}},
		}
		assert.NoError(t, g.Validate())
	})

	t.Run("empty", func(t *testing.T) {
		g := &Graph{}
		assert.Error(t, g.Validate())
	})

	t.Run("group references unknown agent", func(t *testing.T) {
		g := &Graph{
			Agents: map[string]*Agent{"a": localAgent("a", true)},
			Groups: [][]string{{"a", "ghost"}},
		}
		assert.Error(t, g.Validate())
	})

	t.Run("unknown extra tool", func(t *testing.T) {
		a := localAgent("a", true)
		a.ExtraTools = []string{"weather"}
		g := &Graph{Agents: map[string]*Agent{"a": a}}
		assert.Error(t, g.Validate())
	})

	t.Run("invalid tool schema", func(t *testing.T) {
		g := &Graph{
			Agents: map[string]*Agent{"a": localAgent("a", true)},
			CustomTools: map[string]CustomTool{
				"bad": {Name: "bad", InputSchema: json.RawMessage(`{"type": 42}`)},
			},
		}
		assert.Error(t, g.Validate())
	})
}

func TestGraph_Partition(t *testing.T) {
	g := &Graph{
		Agents: map[string]*Agent{
			"a": localAgent("a", true),
			"b": localAgent("b", true),
			"c": localAgent("c", true),
			"d": localAgent("d", true),
			"e": localAgent("e", false), // non-blocking, excluded
		},
		Groups: [][]string{{"a", "b"}, {"b", "c"}, {"d", "e"}},
	}

	partition := g.Partition()
	for _, unit := range partition {
		sort.Strings(unit)
	}
	sort.Slice(partition, func(i, j int) bool { return partition[i][0] < partition[j][0] })

	// a-b and b-c merge transitively; d is alone because e is non-blocking.
	require.Len(t, partition, 2)
	assert.Equal(t, []string{"a", "b", "c"}, partition[0])
	assert.Equal(t, []string{"d"}, partition[1])
}

func TestDecodeProvider(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		p, err := DecodeProvider(json.RawMessage(`{"type":"local","runtime":"executable"}`))
		require.NoError(t, err)
		local, ok := p.(*Local)
		require.True(t, ok)
		assert.Equal(t, registry.RuntimeExecutable, local.Runtime)
	})

	t.Run("remote request", func(t *testing.T) {
		raw := json.RawMessage(`{"type":"remote_request","runtime":"docker","server_source":{"addresses":["http://peer:5555"]},"max_cost":100}`)
		p, err := DecodeProvider(raw)
		require.NoError(t, err)
		req, ok := p.(*RemoteRequest)
		require.True(t, ok)
		assert.Equal(t, int64(100), req.MaxCost)

		resolved := req.Resolve("http://peer:5555", "claim-1", "wallet-1")
		assert.Equal(t, "claim-1", resolved.ClaimID)
		assert.Equal(t, registry.RuntimeDocker, resolved.Runtime)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodeProvider(json.RawMessage(`{"type":"teleport"}`))
		assert.Error(t, err)
	})

	t.Run("bad runtime", func(t *testing.T) {
		_, err := DecodeProvider(json.RawMessage(`{"type":"local","runtime":"vm"}`))
		assert.Error(t, err)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := DecodeProvider(nil)
		assert.Error(t, err)
	})
}

func TestGraphRequest_Build(t *testing.T) {
	req := GraphRequest{
		Agents: map[string]AgentRequest{
			"planner": {
				Agent:    "planner",
				Provider: json.RawMessage(`{"type":"local","runtime":"executable"}`),
			},
			"watcher": {
				Agent:    "watcher",
				Blocking: boolPtr(false),
				Provider: json.RawMessage(`{"type":"local","runtime":"executable"}`),
			},
		},
		Groups: [][]string{{"planner", "watcher"}},
	}

	g, err := req.Build()
	require.NoError(t, err)
	assert.True(t, g.Agents["planner"].Blocking, "blocking defaults to true")
	assert.False(t, g.Agents["watcher"].Blocking)
	assert.Empty(t, g.RemoteRequests())
}

func boolPtr(b bool) *bool { return &b }
