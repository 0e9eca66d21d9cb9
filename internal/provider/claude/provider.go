// Package claude drives sessions through the streaming agent SDK: typed
// messages arrive on a receive channel, prompts are fed through a queue,
// and tool approval runs over the SDK's permission callback.
package claude

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"
	sdk "github.com/severity1/claude-agent-sdk-go"

	"github.com/sebastianm/agentmux/internal/config"
	"github.com/sebastianm/agentmux/internal/session"
)

const providerName = "claude"

// Provider creates and resumes SDK-backed sessions.
type Provider struct {
	log *slog.Logger
	cfg config.ClaudeConfig
}

func New(log *slog.Logger, cfg config.ClaudeConfig) *Provider {
	return &Provider{log: log, cfg: cfg}
}

func (p *Provider) Name() string { return providerName }

// Create spawns a fresh session. The upstream session id arrives
// asynchronously; callers gate on WaitForReady before sending.
func (p *Provider) Create(ctx context.Context, opts session.SpawnOptions) (session.ProviderSession, error) {
	return p.launch(ctx, uuid.NewString(), "", opts)
}

// Resume continues an existing upstream conversation: the prior session id
// is passed along with every prompt, so the conversation picks up its
// history.
func (p *Provider) Resume(ctx context.Context, sessionID string, opts session.SpawnOptions) (session.ProviderSession, error) {
	return p.launch(ctx, sessionID, sessionID, opts)
}

func (p *Provider) launch(ctx context.Context, id, upstreamID string, opts session.SpawnOptions) (session.ProviderSession, error) {
	s := newSession(p.log, id, opts)
	s.upstreamID = upstreamID

	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}

	options := []sdk.Option{
		sdk.WithCwd(opts.Cwd),
		sdk.WithPermissionMode(mapPermissionMode(opts.PermissionMode)),
		sdk.WithCanUseTool(s.handleCanUseTool),
		sdk.WithStderrCallback(func(line string) {
			p.log.Debug("claude stderr", "session", id, "line", line)
		}),
		sdk.WithDebugWriter(io.Discard),
	}
	if model != "" {
		options = append(options, sdk.WithModel(model))
	}
	if len(opts.Env) > 0 {
		options = append(options, sdk.WithEnv(opts.Env))
	}
	s.client = sdk.NewClient(options...)

	if err := s.start(ctx, opts.Task); err != nil {
		return nil, err
	}
	return s, nil
}
