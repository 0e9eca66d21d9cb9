package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sebastianm/agentmux/internal/session"
)

type sessState int

const (
	stateConnecting sessState = iota
	stateWorking
	stateIdle
	stateStopped
)

const (
	// rpcTimeout bounds control-plane calls like initialize.
	rpcTimeout = 30 * time.Second
	// toolCallTimeout bounds the session tools. A model turn can run for
	// hours and its content streams via notifications, so the response is
	// only a terminator; the timeout is a safety net, not a deadline.
	toolCallTimeout = 14 * 24 * time.Hour
	// permissionTimeout auto-denies an unanswered approval prompt.
	permissionTimeout = 5 * time.Minute
)

type pendingPermission struct {
	decision chan bool
	timer    *time.Timer
}

// Session drives one app-server subprocess through the two-tool session
// pattern: startSession for the first prompt, continueSession after that,
// with turn content arriving as codex/event notifications.
type Session struct {
	log *slog.Logger

	// id is the externally stable identity, issued at construction. The
	// backend's own id is used only as a continueSession argument.
	id string

	binary string
	args   []string
	env    []string
	cwd    string
	model  string
	policy execPolicy
	mode   session.Mode

	mu             sync.Mutex
	state          sessState
	transport      *transport
	connected      bool
	reconnecting   bool
	sessionStarted bool
	backendID      string
	conversationID string
	taskCompleted  bool
	turnMessages   int
	buffer         []session.Message
	pendingPerms   map[string]*pendingPermission
	onMessage      func(session.Message)
	onEvent        func(session.Event)
	ready          chan struct{}
}

func newSession(log *slog.Logger, id string, binary string, env []string, opts session.SpawnOptions) *Session {
	return &Session{
		log:          log.With("session", id),
		id:           id,
		binary:       binary,
		args:         []string{appServerSubcommand},
		env:          env,
		cwd:          opts.Cwd,
		model:        opts.Model,
		policy:       policyFor(opts.PermissionMode),
		mode:         opts.Mode,
		state:        stateConnecting,
		pendingPerms: make(map[string]*pendingPermission),
		ready:        make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return 0
	}
	return s.transport.pid()
}

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

// connect spawns the subprocess and runs the initialize handshake. On
// success the session is idle; when task is non-empty the first turn is
// dispatched immediately.
func (s *Session) connect(task string) error {
	t, err := startTransport(s.log, s.binary, s.args, s.cwd, s.env)
	if err != nil {
		return err
	}
	s.attachTransport(t)

	if _, err := t.call("initialize", initializeParams{
		ClientInfo:   clientInfo{Name: "agentmux", Version: "0.1.0"},
		Capabilities: clientCapabilities{ExperimentalAPI: true},
	}, rpcTimeout); err != nil {
		t.close()
		return session.Wrap(session.KindTransport, err, "initialize handshake")
	}
	t.notify("initialized", nil)

	s.mu.Lock()
	s.connected = true
	if task != "" {
		s.state = stateWorking
	} else {
		s.state = stateIdle
	}
	close(s.ready)
	s.mu.Unlock()

	if task != "" {
		go s.runTurn(task)
	}
	return nil
}

func (s *Session) attachTransport(t *transport) {
	t.setHandlers(transportHandlers{
		OnNotify:  s.handleNotify,
		OnRequest: s.handleServerRequest,
		OnClose:   s.handleClose,
	})
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// WaitForReady blocks until the connect handshake finished.
func (s *Session) WaitForReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return session.Wrap(session.KindTimeout, ctx.Err(), "waiting for session %s", s.id)
	}
}

// Send dispatches one prompt. The turn itself runs in the background; the
// call returns once the turn is handed to the app-server.
func (s *Session) Send(ctx context.Context, input string) error {
	s.mu.Lock()
	switch s.state {
	case stateStopped:
		s.mu.Unlock()
		return session.Errf(session.KindInvalidState, "session %s is stopped", s.id)
	case stateWorking:
		s.mu.Unlock()
		return session.Errf(session.KindBusy, "session %s is processing a prompt", s.id)
	case stateConnecting:
		s.mu.Unlock()
		if err := s.WaitForReady(ctx); err != nil {
			return err
		}
		return s.Send(ctx, input)
	}

	if !s.connected {
		s.mu.Unlock()
		if err := s.reconnect(); err != nil {
			return err
		}
		s.mu.Lock()
		if s.state != stateIdle {
			s.mu.Unlock()
			return session.Errf(session.KindInvalidState, "session %s is no longer idle", s.id)
		}
	}

	s.state = stateWorking
	s.mu.Unlock()

	go s.runTurn(input)
	return nil
}

// runTurn issues startSession or continueSession and waits out the turn.
func (s *Session) runTurn(prompt string) {
	s.mu.Lock()
	s.turnMessages = 0
	s.taskCompleted = false
	t := s.transport
	var method string
	var params any
	if !s.sessionStarted {
		method = toolStartSession
		params = startSessionParams{
			Prompt:         prompt,
			ApprovalPolicy: s.policy.ApprovalPolicy,
			Sandbox:        s.policy.Sandbox,
			Cwd:            s.cwd,
			Model:          s.model,
		}
	} else {
		method = toolContinueSession
		params = continueSessionParams{
			SessionID:      s.backendID,
			ConversationID: s.conversationID,
			Prompt:         prompt,
		}
	}
	s.mu.Unlock()

	result, err := t.call(method, params, toolCallTimeout)

	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return
	}
	s.state = stateIdle
	if err == nil {
		s.sessionStarted = true
		s.adoptIdentityLocked(result)
	}
	suppressed := s.turnMessages > 0
	s.mu.Unlock()

	if err != nil {
		// A process exit mid-turn is reported by the close handler; a
		// second error event here would double-notify the caller.
		if !session.IsKind(err, session.KindProcessExit) {
			s.emitEvent(session.EventError, session.SeverityWarning, fmt.Sprintf("Prompt failed: %v", err), nil)
		}
		return
	}

	// The response body repeats the final agent message; only surface it
	// when no notification produced any content this turn.
	if !suppressed {
		if text := responseText(result); text != "" {
			s.appendMessage(session.Message{Type: session.MessageText, Content: text})
		}
	}
}

// adoptIdentityLocked folds ids found in a payload into the session.
// Discovered ids persist; later absences never clear them.
func (s *Session) adoptIdentityLocked(raw json.RawMessage) {
	sid, cid := extractIdentity(raw)
	if sid != "" {
		s.backendID = sid
	}
	if cid != "" {
		s.conversationID = cid
	}
}

// responseText pulls the text of a tool response's content array.
func responseText(raw json.RawMessage) string {
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Read returns a copy of the buffer slice [cursor, cursor+limit) and the
// next cursor.
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

// SwitchMode drains the session: it waits until the current turn finished
// or ctx expires. The actual process swap is the registry's job.
func (s *Session) SwitchMode(ctx context.Context, target session.Mode) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		working := s.state == stateWorking
		if !working {
			s.mode = target
		}
		s.mu.Unlock()
		if !working {
			return nil
		}
		select {
		case <-ctx.Done():
			return session.Wrap(session.KindTimeout, ctx.Err(), "draining session %s", s.id)
		case <-ticker.C:
		}
	}
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

// Stop tears the session down: denies pending approvals and kills the
// subprocess. Idempotent.
func (s *Session) Stop(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	t := s.transport
	pending := s.pendingPerms
	s.pendingPerms = make(map[string]*pendingPermission)
	s.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.decision <- false
	}
	if t != nil {
		t.close()
	}
	return nil
}

// ClearSession drops the backend ids so the next prompt starts a fresh
// upstream conversation on the same subprocess. Only legal while idle or
// stopped.
func (s *Session) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle && s.state != stateStopped {
		return session.Errf(session.KindInvalidState, "cannot clear session %s while working", s.id)
	}
	s.backendID = ""
	s.conversationID = ""
	s.sessionStarted = false
	s.taskCompleted = false
	if s.state != stateStopped {
		s.state = stateIdle
	}
	return nil
}

// reconnect rebuilds the transport after an idle disconnect. The session
// and conversation ids carry over, so the next continueSession call resumes
// the upstream conversation.
func (s *Session) reconnect() error {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return session.Errf(session.KindBusy, "session %s is already reconnecting", s.id)
	}
	s.reconnecting = true
	old := s.transport
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	if old != nil {
		old.detach()
		old.close()
	}

	t, err := startTransport(s.log, s.binary, s.args, s.cwd, s.env)
	if err != nil {
		return session.Wrap(session.KindTransport, err, "reconnect session %s", s.id)
	}
	s.attachTransport(t)

	if _, err := t.call("initialize", initializeParams{
		ClientInfo:   clientInfo{Name: "agentmux", Version: "0.1.0"},
		Capabilities: clientCapabilities{ExperimentalAPI: true},
	}, rpcTimeout); err != nil {
		t.close()
		return session.Wrap(session.KindTransport, err, "reconnect handshake")
	}
	t.notify("initialized", nil)

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

// handleClose implements the transport-close contract: an idle or
// completed session downgrades the disconnect to a ready event so the
// subprocess can idle-timeout without teardown; anything else is an
// unexpected death and must carry the exit marker the registry watches for.
func (s *Session) handleClose(desc string) {
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return
	}
	s.connected = false
	benign := s.state == stateIdle || s.taskCompleted
	var stderrTail string
	if !benign && s.transport != nil {
		stderrTail = s.transport.stderrSnapshot()
	}
	s.mu.Unlock()

	if benign {
		s.emitEvent(session.EventReady, session.SeverityInfo, "Backend disconnected while idle; will reconnect on next prompt", nil)
		return
	}

	summary := "Process exited unexpectedly: " + desc
	if stderrTail != "" {
		s.appendMessage(session.Message{Type: session.MessageError, Content: desc + "\n" + stderrTail})
	}
	s.emitEvent(session.EventError, session.SeverityUrgent, summary, nil)
}

// handleServerRequest answers server-initiated requests. The only expected
// request is the elicitation used for command approval; anything else gets
// an empty result so the server is never left hanging.
func (s *Session) handleServerRequest(id int64, method string, params json.RawMessage) {
	if !strings.Contains(method, "elicitation") {
		s.mu.Lock()
		t := s.transport
		s.mu.Unlock()
		if t != nil {
			t.respond(id, map[string]any{})
		}
		return
	}

	var req struct {
		CallID  string `json:"callId"`
		CallID2 string `json:"call_id"`
		Command any    `json:"command"`
		Cwd     string `json:"cwd"`
		Reason  string `json:"reason"`
	}
	_ = json.Unmarshal(params, &req)
	requestID := req.CallID
	if requestID == "" {
		requestID = req.CallID2
	}
	if requestID == "" {
		requestID = fmt.Sprintf("elicit-%d", id)
	}
	command := flattenCommand(req.Command)

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
				"Permission request timed out and was denied: "+command, nil)
		}
	})

	s.mu.Lock()
	s.pendingPerms[requestID] = p
	t := s.transport
	s.mu.Unlock()

	s.emitEvent(session.EventPermissionRequest, session.SeverityUrgent,
		"Approval required: "+command, &session.PermissionDetail{
			RequestID:      requestID,
			ToolName:       "Exec",
			Command:        command,
			Cwd:            req.Cwd,
			DecisionReason: req.Reason,
		})

	go func() {
		approved := <-p.decision
		action := "denied"
		if approved {
			action = "approved"
		}
		if t != nil {
			t.respond(id, map[string]string{"action": action})
		}
	}()
}

// handleNotify maps codex/event notifications onto buffered messages and
// session events.
func (s *Session) handleNotify(method string, params json.RawMessage) {
	if method != notifyEvent {
		return
	}

	var outer map[string]any
	if err := json.Unmarshal(params, &outer); err != nil {
		return
	}

	sid, cid := identityFromMap(outer)
	s.mu.Lock()
	if sid != "" {
		s.backendID = sid
	}
	if cid != "" {
		s.conversationID = cid
	}
	s.mu.Unlock()

	msg, ok := outer["msg"].(map[string]any)
	if !ok {
		return
	}
	kind, _ := msg["type"].(string)

	switch kind {
	case "agent_message":
		if text, _ := msg["message"].(string); text != "" {
			s.appendMessage(session.Message{Type: session.MessageText, Content: text})
		}

	case "exec_command_begin":
		command := flattenCommand(msg["command"])
		s.appendMessage(session.Message{
			Type:    session.MessageToolUse,
			Content: command,
			Meta:    &session.MessageMeta{Tool: "Exec", UpstreamID: callID(msg)},
		})

	case "exec_command_end":
		content := stringField(msg, "output", "aggregated_output", "error")
		if content == "" {
			content = "completed"
		}
		s.appendMessage(session.Message{
			Type:    session.MessageToolResult,
			Content: content,
			Meta:    &session.MessageMeta{Tool: "Exec", UpstreamID: callID(msg)},
		})

	case "exec_approval_request":
		// The elicitation channel owns the actual approval; this
		// notification only keeps the request visible in the event feed.
		command := flattenCommand(msg["command"])
		cwd, _ := msg["cwd"].(string)
		s.emitEvent(session.EventPermissionRequest, session.SeverityUrgent,
			"Approval requested: "+command, &session.PermissionDetail{
				RequestID: callID(msg),
				ToolName:  "Exec",
				Command:   command,
				Cwd:       cwd,
			})

	case "patch_apply_begin":
		var files []string
		if changes, ok := msg["changes"].(map[string]any); ok {
			for f := range changes {
				files = append(files, f)
			}
		}
		s.appendMessage(session.Message{
			Type:    session.MessageToolUse,
			Content: "Modifying " + strings.Join(files, ", "),
			Meta:    &session.MessageMeta{Tool: "Patch", UpstreamID: callID(msg)},
		})

	case "patch_apply_end":
		success, _ := msg["success"].(bool)
		content := stringField(msg, "stdout")
		if !success {
			content = stringField(msg, "stderr", "stdout")
		}
		s.appendMessage(session.Message{
			Type:    session.MessageToolResult,
			Content: content,
			Meta:    &session.MessageMeta{Tool: "Patch", UpstreamID: callID(msg)},
		})

	case "task_started":
		s.emitEvent(session.EventReady, session.SeverityInfo, "Task started", nil)

	case "task_complete":
		// The flag must be set before the event fires: a subscriber may
		// react by stopping traffic and the transport may close right
		// behind it, and the close handler reads the flag.
		s.mu.Lock()
		s.taskCompleted = true
		s.mu.Unlock()
		summary := stringField(msg, "last_agent_message")
		if summary == "" {
			summary = "Task complete"
		}
		s.emitEvent(session.EventTaskComplete, session.SeverityInfo, summary, nil)

	case "turn_aborted":
		s.emitEvent(session.EventError, session.SeverityWarning, "Turn aborted", nil)
	}
}

func (s *Session) appendMessage(m session.Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, m)
	s.turnMessages++
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

// callID pulls the tool-call correlation id from a notification payload.
func callID(msg map[string]any) string {
	return firstString(msg, []string{"call_id", "callId"})
}

// stringField returns the first non-empty string among the named keys.
func stringField(msg map[string]any, keys ...string) string {
	return firstString(msg, keys)
}

// flattenCommand renders a command that may arrive as a string or argv.
func flattenCommand(v any) string {
	switch cmd := v.(type) {
	case string:
		return cmd
	case []any:
		parts := make([]string, 0, len(cmd))
		for _, p := range cmd {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}
