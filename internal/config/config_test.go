package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("AGENTMUX_CONFIG", filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, 16, cfg.MaxSessions)
	assert.Equal(t, 1500, cfg.Push.DebounceMs)
	assert.Equal(t, 4000, cfg.Push.MaxMessageLen)
}

func TestParse_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmux.json")
	data := `{
		"port": 9000,
		"maxSessions": 4,
		"allowedRoots": ["/work"],
		"push": {"baseURL": "https://chat.example", "debounceMs": 200}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("AGENTMUX_CONFIG", path)

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 4, cfg.MaxSessions)
	assert.Equal(t, []string{"/work"}, cfg.AllowedRoots)
	assert.Equal(t, "https://chat.example", cfg.Push.BaseURL)
	assert.Equal(t, 200, cfg.Push.DebounceMs)
	// Defaults survive for untouched fields.
	assert.Equal(t, 4000, cfg.Push.MaxMessageLen)
}

func TestParse_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentmux.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))
	t.Setenv("AGENTMUX_CONFIG", path)

	_, err := Parse()
	assert.Error(t, err)
}
