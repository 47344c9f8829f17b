package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5555, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Devmode)
	assert.True(t, cfg.Registry.Watch)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.toml"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 5555, cfg.Server.Port)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, "http://localhost:5555", cfg.Server.PublicURL)
}

func TestLoader_ReadsTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reef.toml")
	body := `
devmode = true
data_dir = "/tmp/reef-test"

[server]
host = "127.0.0.1"
port = 6000

[[applications]]
id = "app"
privacy_keys = ["key-one", "key-two"]

[session]
max_wait_ms = 5000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.True(t, cfg.Devmode)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, "http://127.0.0.1:6000", cfg.Server.PublicURL)
	assert.Equal(t, 5000, cfg.Session.MaxWaitMs)
	require.Len(t, cfg.Apps, 1)
	assert.Equal(t, map[string][]string{"app": {"key-one", "key-two"}}, cfg.Credentials())

	// Defaults survive a partial file.
	assert.Equal(t, 60, cfg.Session.ReapIntervalSecs)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	cfg := DefaultConfig()
	cfg.Devmode = true
	assert.Empty(t, v.ValidateConfig(cfg))

	// Production without applications is rejected.
	cfg.Devmode = false
	errs := v.ValidateConfig(cfg)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "no applications")

	cfg.Apps = []ApplicationConfig{{ID: "app", PrivacyKeys: []string{"k"}}}
	assert.Empty(t, v.ValidateConfig(cfg))

	cfg.Server.Port = 0
	cfg.Logging.Level = "loud"
	cfg.Federation.Enabled = true
	errs = v.ValidateConfig(cfg)
	assert.Len(t, errs, 3)
}

func TestValidateApplication(t *testing.T) {
	v := NewValidator()
	assert.Error(t, v.ValidateApplication(ApplicationConfig{}))
	assert.Error(t, v.ValidateApplication(ApplicationConfig{ID: "a"}))
	assert.Error(t, v.ValidateApplication(ApplicationConfig{ID: "a", PrivacyKeys: []string{""}}))
	assert.NoError(t, v.ValidateApplication(ApplicationConfig{ID: "a", PrivacyKeys: []string{"k"}}))
}
