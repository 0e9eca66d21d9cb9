package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// TailscaleConfig contains settings for exposing the gateway as a Tailscale /
// tsnet node.
type TailscaleConfig struct {
	// Enabled toggles whether the gateway should start with tsnet and
	// register a Tailscale node.
	Enabled bool `json:"enabled"`

	// Hostname is the device name that will appear in your tailnet.
	Hostname string `json:"hostname"`

	// AuthKey is an optional Tailscale auth key used for unattended login.
	// If empty, tsnet falls back to TS_AUTHKEY / TS_AUTH_KEY env vars, then
	// prompts for interactive login on first start.
	AuthKey string `json:"authKey"`

	// Ephemeral controls whether this node is ephemeral in the tailnet.
	Ephemeral bool `json:"ephemeral"`

	// ControlURL optionally overrides the Tailscale control server URL
	// (advanced / testing only).
	ControlURL string `json:"controlURL"`

	// Dir overrides the directory where tsnet stores its persistent state.
	Dir string `json:"dir"`

	// HTTPS enables automatic TLS via Tailscale-managed certificates.
	HTTPS bool `json:"https"`
}

// PushConfig holds settings for the outbound chat push adapter.
type PushConfig struct {
	// BaseURL is the chat transport endpoint messages are POSTed to.
	// Push is disabled when empty.
	BaseURL string `json:"baseURL"`

	// Token authenticates against the chat transport.
	Token string `json:"token"`

	// DefaultDestination receives batches for sessions bound without an
	// explicit destination.
	DefaultDestination string `json:"defaultDestination"`

	// DebounceMs is the per-session batching window. Defaults to 1500.
	DebounceMs int `json:"debounceMs"`

	// MaxMessageLen caps a single outbound chunk. Defaults to 4000.
	MaxMessageLen int `json:"maxMessageLen"`
}

// CodexConfig holds settings for the framed JSON-RPC provider.
type CodexConfig struct {
	// Binary overrides the resolved binary path.
	Binary string `json:"binary"`

	// Model is the default model passed to startSession.
	Model string `json:"model"`
}

// ClaudeConfig holds settings for the structured streaming provider.
type ClaudeConfig struct {
	// Model is the default model when the caller does not pick one.
	Model string `json:"model"`
}

// Config is the top-level configuration for the agentmux supervisor.
type Config struct {
	// Port the gateway listens on. 0 picks a free port.
	Port int `json:"port"`

	Tailscale TailscaleConfig `json:"tailscale"`

	// MaxSessions is the admission limit for concurrently live sessions.
	MaxSessions int `json:"maxSessions"`

	// AllowedRoots is the cwd sandbox allow-list. Empty means allow-all.
	AllowedRoots []string `json:"allowedRoots"`

	// StatePath is where the session snapshot is written.
	StatePath string `json:"statePath"`

	Push   PushConfig   `json:"push"`
	Claude ClaudeConfig `json:"claude"`
	Codex  CodexConfig  `json:"codex"`
}

// Parse reads a JSON config file and returns the parsed Config. The file
// path is taken from the AGENTMUX_CONFIG env var, defaulting to
// "agentmux.json". A missing file yields the defaults.
func Parse() (*Config, error) {
	path := os.Getenv("AGENTMUX_CONFIG")
	if path == "" {
		path = "agentmux.json"
	}

	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:        8090,
		MaxSessions: 16,
		StatePath:   "agentmux-sessions.json",
		Push: PushConfig{
			DebounceMs:    1500,
			MaxMessageLen: 4000,
		},
	}
}
