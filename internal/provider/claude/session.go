package claude

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	sdk "github.com/severity1/claude-agent-sdk-go"

	"github.com/sebastianm/agentmux/internal/session"
	"github.com/sebastianm/agentmux/internal/streamq"
)

const permissionTimeout = 5 * time.Minute

// sdkClient is the slice of the SDK client the session needs. Narrowed for
// test doubles.
type sdkClient interface {
	Connect(ctx context.Context, prompt ...sdk.StreamMessage) error
	Disconnect() error
	ReceiveMessages(ctx context.Context) <-chan sdk.Message
	QueryWithSession(ctx context.Context, prompt, sessionID string) error
}

type pendingPermission struct {
	decision chan bool
	timer    *time.Timer
}

// Session drives one upstream conversation through the streaming SDK.
// Prompts flow in through a queue; typed messages flow back on the SDK's
// receive channel and are folded into the buffer by a background pump.
type Session struct {
	log    *slog.Logger
	id     string
	cwd    string
	client sdkClient
	queue  *streamq.Queue[string]

	mu           sync.Mutex
	mode         session.Mode
	upstreamID   string
	isReady      bool
	stopped      bool
	buffer       []session.Message
	pendingPerms map[string]*pendingPermission
	onMessage    func(session.Message)
	onEvent      func(session.Event)

	ready chan struct{} // closed when the upstream id is known
	ended chan struct{} // closed when the receive stream terminates
}

func newSession(log *slog.Logger, id string, opts session.SpawnOptions) *Session {
	return &Session{
		log:          log.With("session", id),
		id:           id,
		cwd:          opts.Cwd,
		mode:         opts.Mode,
		queue:        streamq.New[string](),
		pendingPerms: make(map[string]*pendingPermission),
		ready:        make(chan struct{}),
		ended:        make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// PID is 0: the SDK owns the subprocess and does not expose its pid.
func (s *Session) PID() int { return 0 }

func (s *Session) OnMessage(fn func(session.Message)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

func (s *Session) OnEvent(fn func(session.Event)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// start connects the client and launches the feed and pump loops. When task
// is non-empty it becomes the first prompt.
func (s *Session) start(ctx context.Context, task string) error {
	if err := s.client.Connect(ctx); err != nil {
		return session.Wrap(session.KindTransport, err, "connect upstream")
	}

	bg := context.Background()
	go s.pumpLoop(bg)
	go s.feedLoop(bg)

	if task != "" {
		if err := s.queue.Push(task); err != nil {
			return err
		}
	}
	return nil
}

// feedLoop forwards queued prompts to the upstream conversation, one at a
// time, preserving push order.
func (s *Session) feedLoop(ctx context.Context) {
	for {
		prompt, ok, err := s.queue.Next(ctx)
		if err != nil || !ok {
			return
		}
		if err := s.client.QueryWithSession(ctx, prompt, s.upstreamSessionID()); err != nil {
			s.emitEvent(session.EventError, session.SeverityWarning, fmt.Sprintf("Prompt failed: %v", err), nil)
		}
	}
}

func (s *Session) upstreamSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstreamID != "" {
		return s.upstreamID
	}
	return "default"
}

// pumpLoop consumes the SDK's typed message stream until it closes.
func (s *Session) pumpLoop(ctx context.Context) {
	for msg := range s.client.ReceiveMessages(ctx) {
		s.handleUpstream(msg)
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	s.markReady() // unblock WaitForReady on a broken session
	close(s.ended)

	if !stopped {
		s.emitEvent(session.EventError, session.SeverityUrgent, "Process exited: upstream stream closed", nil)
	}
}

func (s *Session) handleUpstream(msg sdk.Message) {
	switch m := msg.(type) {
	case *sdk.SystemMessage:
		if m.Subtype != "init" {
			return
		}
		model, _ := m.Data["model"].(string)
		if sid, ok := m.Data["session_id"].(string); ok && sid != "" {
			s.mu.Lock()
			s.upstreamID = sid
			s.mu.Unlock()
		}
		s.markReady()
		s.emitEvent(session.EventReady, session.SeverityInfo, "Session initialized (model "+model+")", nil)

	case *sdk.AssistantMessage:
		for _, block := range m.Content {
			if out, ok := mapBlock(block); ok {
				s.appendMessage(out)
			}
		}

	case *sdk.UserMessage:
		// Tool results come back on the user role. Prompt echoes (string
		// content or text blocks) are the caller's own input and stay out
		// of the buffer.
		blocks, ok := m.Content.([]sdk.ContentBlock)
		if !ok {
			return
		}
		for _, block := range blocks {
			if _, isResult := block.(*sdk.ToolResultBlock); !isResult {
				continue
			}
			if out, ok := mapBlock(block); ok {
				s.appendMessage(out)
			}
		}

	case *sdk.ResultMessage:
		s.appendMessage(session.Message{Type: session.MessageResult, Content: resultContent(m)})
		sev := session.SeverityInfo
		summary := "Task complete"
		if m.IsError {
			sev = session.SeverityWarning
			summary = "Task failed"
		}
		s.emitEvent(session.EventTaskComplete, sev, summary, nil)
	}
}

func (s *Session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isReady {
		s.isReady = true
		close(s.ready)
	}
}

// WaitForReady resolves once the upstream session id is known or the stream
// has ended, so callers never hang on a broken session.
func (s *Session) WaitForReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.ended:
		return session.Errf(session.KindProcessExit, "session %s ended before becoming ready", s.id)
	case <-ctx.Done():
		return session.Wrap(session.KindTimeout, ctx.Err(), "waiting for session %s", s.id)
	}
}

// Send queues one prompt. The session must be ready: the upstream id
// arrives asynchronously and prompts sent before it would race the
// conversation setup.
func (s *Session) Send(ctx context.Context, input string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return session.Errf(session.KindInvalidState, "session %s is stopped", s.id)
	}
	if !s.isReady {
		s.mu.Unlock()
		return session.Errf(session.KindNotReady, "session %s is not ready", s.id)
	}
	s.mu.Unlock()
	return s.queue.Push(input)
}

// Read returns the buffer slice [cursor, cursor+limit) and the next cursor.
func (s *Session) Read(cursor, limit int) ([]session.Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(s.buffer) {
		return nil, len(s.buffer)
	}
	end := len(s.buffer)
	if limit > 0 && cursor+limit < end {
		end = cursor + limit
	}
	out := make([]session.Message, end-cursor)
	copy(out, s.buffer[cursor:end])
	return out, end
}

// SwitchMode records the target mode. Draining is trivial here: prompts are
// queued, not in-flight, so there is nothing to wait out.
func (s *Session) SwitchMode(ctx context.Context, target session.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return session.Errf(session.KindInvalidState, "session %s is stopped", s.id)
	}
	s.mode = target
	return nil
}

// RespondToPermission resolves one pending approval prompt.
func (s *Session) RespondToPermission(ctx context.Context, requestID string, approved bool) error {
	s.mu.Lock()
	p, ok := s.pendingPerms[requestID]
	if ok {
		delete(s.pendingPerms, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return session.Errf(session.KindNotFound, "no pending permission %s", requestID)
	}
	p.timer.Stop()
	p.decision <- approved
	return nil
}

// Stop denies pending approvals, ends the prompt queue, and disconnects
// the upstream. Idempotent.
func (s *Session) Stop(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pending := s.pendingPerms
	s.pendingPerms = make(map[string]*pendingPermission)
	s.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.decision <- false
	}
	s.queue.End()

	if err := s.client.Disconnect(); err != nil {
		s.log.Warn("disconnect upstream", "error", err)
	}
	return nil
}

// handleCanUseTool is registered with the SDK as the permission callback.
// It suspends the SDK's control request until the user decides, the
// 5-minute timer fires, or the session stops; timeout and stop both deny.
func (s *Session) handleCanUseTool(ctx context.Context, toolName string, input map[string]any, _ sdk.ToolPermissionContext) (sdk.PermissionResult, error) {
	requestID := uuid.NewString()

	p := &pendingPermission{decision: make(chan bool, 1)}
	p.timer = time.AfterFunc(permissionTimeout, func() {
		s.mu.Lock()
		_, still := s.pendingPerms[requestID]
		if still {
			delete(s.pendingPerms, requestID)
		}
		s.mu.Unlock()
		if still {
			p.decision <- false
			s.emitEvent(session.EventError, session.SeverityWarning,
				"Permission request timed out and was denied: "+toolName, nil)
		}
	})

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		p.timer.Stop()
		return sdk.NewPermissionResultDeny("session stopped"), nil
	}
	s.pendingPerms[requestID] = p
	s.mu.Unlock()

	s.emitEvent(session.EventPermissionRequest, session.SeverityUrgent,
		"Approval required: "+toolName, &session.PermissionDetail{
			RequestID: requestID,
			ToolName:  toolName,
			Input:     input,
			Cwd:       s.cwd,
		})

	select {
	case approved := <-p.decision:
		if approved {
			return sdk.NewPermissionResultAllow(), nil
		}
		return sdk.NewPermissionResultDeny("denied by user"), nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingPerms, requestID)
		s.mu.Unlock()
		p.timer.Stop()
		return sdk.NewPermissionResultDeny("request cancelled"), nil
	}
}

func (s *Session) appendMessage(m session.Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, m)
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (s *Session) emitEvent(typ session.EventType, sev session.Severity, summary string, perm *session.PermissionDetail) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(session.Event{
			Type:       typ,
			Severity:   sev,
			Summary:    summary,
			SessionID:  s.id,
			Timestamp:  time.Now(),
			Permission: perm,
		})
	}
}
