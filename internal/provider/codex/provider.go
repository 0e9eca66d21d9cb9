// Package codex drives sessions over the codex app-server: a subprocess
// speaking Content-Length framed JSON-RPC on stdio, with two session tools,
// event notifications, and elicitation-based command approval.
package codex

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sebastianm/agentmux/internal/config"
	"github.com/sebastianm/agentmux/internal/session"
)

const (
	binaryName          = "codex"
	appServerSubcommand = "app-server"

	toolStartSession    = "startSession"
	toolContinueSession = "continueSession"
	notifyEvent         = "codex/event"
)

type initializeParams struct {
	ClientInfo   clientInfo         `json:"clientInfo"`
	Capabilities clientCapabilities `json:"capabilities"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type clientCapabilities struct {
	ExperimentalAPI bool `json:"experimentalApi"`
}

type startSessionParams struct {
	Prompt         string `json:"prompt"`
	ApprovalPolicy string `json:"approvalPolicy"`
	Sandbox        string `json:"sandbox"`
	Cwd            string `json:"cwd"`
	Model          string `json:"model,omitempty"`
}

type continueSessionParams struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId,omitempty"`
	Prompt         string `json:"prompt"`
}

// Provider creates and resumes app-server sessions.
type Provider struct {
	log *slog.Logger
	cfg config.CodexConfig
}

func New(log *slog.Logger, cfg config.CodexConfig) *Provider {
	return &Provider{log: log, cfg: cfg}
}

func (p *Provider) Name() string { return binaryName }

// Create spawns a fresh session. When opts.Task is set the first prompt is
// dispatched before Create returns; its output streams in the background.
func (p *Provider) Create(ctx context.Context, opts session.SpawnOptions) (session.ProviderSession, error) {
	s := p.build(uuid.NewString(), opts)
	if err := s.connect(opts.Task); err != nil {
		return nil, err
	}
	return s, nil
}

// Resume rebuilds a session object around an existing upstream session id.
// The external identity stays sessionID; continueSession carries it to the
// backend so the conversation picks up where it left off.
func (p *Provider) Resume(ctx context.Context, sessionID string, opts session.SpawnOptions) (session.ProviderSession, error) {
	s := p.build(sessionID, opts)
	s.sessionStarted = true
	s.backendID = sessionID
	if err := s.connect(opts.Task); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Provider) build(id string, opts session.SpawnOptions) *Session {
	if opts.Model == "" {
		opts.Model = p.cfg.Model
	}
	binary := resolveBinary(p.cfg.Binary)
	return newSession(p.log, id, binary, buildEnv(binary, opts.Env), opts)
}
