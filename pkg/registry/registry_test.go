package registry

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRegistry = `
[[agents]]
name = "planner"
description = "planning agent"
path = "agents/planner"

[agents.runtimes.executable]
command = ["python", "main.py"]

[agents.runtimes.docker]
image = "example/planner:1.2"

[agents.options.api_key]
type = "string"
required = true
secret = true

[agents.options.model]
type = "string"
default = "small"

[agents.options.temperature]
type = "float"
default = 0.2

[[agents]]
name = "worker"
path = "agents/worker"

[agents.runtimes.executable]
command = ["./worker"]
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeRegistry(t, sampleRegistry)

	reg, err := Load(path)
	require.NoError(t, err)

	planner, err := reg.Lookup("planner")
	require.NoError(t, err)
	assert.Equal(t, "planner", planner.Name)
	assert.True(t, planner.Runtimes.Has(RuntimeExecutable))
	assert.True(t, planner.Runtimes.Has(RuntimeDocker))
	assert.Equal(t, filepath.Join(filepath.Dir(path), "agents/planner"), planner.Path)

	_, err = reg.Lookup("missing")
	assert.Error(t, err)

	assert.ElementsMatch(t, []string{"example/planner:1.2"}, reg.DockerImages())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no name", "[[agents]]\npath = \"x\"\n[agents.runtimes.executable]\ncommand = [\"a\"]\n"},
		{"no runtimes", "[[agents]]\nname = \"a\"\n"},
		{"empty command", "[[agents]]\nname = \"a\"\n[agents.runtimes.executable]\ncommand = []\n"},
		{"no image", "[[agents]]\nname = \"a\"\n[agents.runtimes.docker]\nimage = \"\"\n"},
		{"bad option type", "[[agents]]\nname = \"a\"\n[agents.runtimes.executable]\ncommand = [\"a\"]\n[agents.options.x]\ntype = \"matrix\"\n"},
		{
			"duplicate names",
			"[[agents]]\nname = \"a\"\n[agents.runtimes.executable]\ncommand = [\"a\"]\n" +
				"[[agents]]\nname = \"a\"\n[agents.runtimes.executable]\ncommand = [\"a\"]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeRegistry(t, tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestResolveOptions(t *testing.T) {
	path := writeRegistry(t, sampleRegistry)
	reg, err := Load(path)
	require.NoError(t, err)
	planner, err := reg.Lookup("planner")
	require.NoError(t, err)

	t.Run("defaults applied", func(t *testing.T) {
		resolved, err := planner.ResolveOptions(map[string]any{"api_key": "sk-123"})
		require.NoError(t, err)
		assert.Equal(t, "sk-123", resolved["api_key"].StringValue())
		assert.Equal(t, "small", resolved["model"].StringValue())
		assert.Equal(t, "0.2", resolved["temperature"].StringValue())
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := planner.ResolveOptions(map[string]any{})
		assert.Error(t, err)
	})

	t.Run("unknown option", func(t *testing.T) {
		_, err := planner.ResolveOptions(map[string]any{"api_key": "x", "bogus": "y"})
		assert.Error(t, err)
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := planner.ResolveOptions(map[string]any{"api_key": 42})
		assert.Error(t, err)
	})

	t.Run("secret display masked", func(t *testing.T) {
		resolved, err := planner.ResolveOptions(map[string]any{"api_key": "sk-123"})
		require.NoError(t, err)
		assert.Equal(t, "[redacted]", resolved["api_key"].DisplayValue())
	})
}

func TestOptionValue_Base64(t *testing.T) {
	v := OptionValue{Name: "blob", Type: OptionBlob, Base64: true, value: "hello"}
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), v.EnvValue())

	v.Base64 = false
	assert.Equal(t, "hello", v.EnvValue())
}

func TestWatcher_Reload(t *testing.T) {
	path := writeRegistry(t, sampleRegistry)
	reg, err := Load(path)
	require.NoError(t, err)

	watcher, err := NewWatcher(reg, path, 50*time.Millisecond)
	require.NoError(t, err)
	watcher.Start()
	defer watcher.Stop()

	updated := sampleRegistry + `
[[agents]]
name = "critic"
path = "agents/critic"

[agents.runtimes.executable]
command = ["./critic"]
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	require.Eventually(t, func() bool {
		_, err := reg.Lookup("critic")
		return err == nil
	}, 3*time.Second, 25*time.Millisecond)
}
