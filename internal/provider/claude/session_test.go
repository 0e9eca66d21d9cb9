package claude

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdk "github.com/severity1/claude-agent-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/agentmux/internal/session"
)

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	disconnected bool
	queries      []string
	sessionIDs   []string
	msgs         chan sdk.Message
}

func newFakeClient() *fakeClient {
	return &fakeClient{msgs: make(chan sdk.Message, 16)}
}

func (f *fakeClient) Connect(ctx context.Context, prompt ...sdk.StreamMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeClient) ReceiveMessages(ctx context.Context) <-chan sdk.Message {
	return f.msgs
}

func (f *fakeClient) QueryWithSession(ctx context.Context, prompt, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, prompt)
	f.sessionIDs = append(f.sessionIDs, sessionID)
	return nil
}

func (f *fakeClient) sentQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func testSession(t *testing.T) (*Session, *fakeClient) {
	t.Helper()
	s := newSession(slog.Default(), "sess-1", session.SpawnOptions{Cwd: "/work"})
	fc := newFakeClient()
	s.client = fc
	return s, fc
}

func initMessage(sid string) *sdk.SystemMessage {
	return &sdk.SystemMessage{
		Subtype: "init",
		Data:    map[string]any{"session_id": sid, "model": "opus"},
	}
}

func TestHandleUpstream_InitMarksReady(t *testing.T) {
	s, _ := testSession(t)
	var events []session.Event
	s.OnEvent(func(e session.Event) { events = append(events, e) })

	s.handleUpstream(initMessage("up-42"))

	require.Len(t, events, 1)
	assert.Equal(t, session.EventReady, events[0].Type)
	assert.Contains(t, events[0].Summary, "opus")
	assert.Equal(t, "up-42", s.upstreamSessionID())

	// Ready, no timeout needed.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitForReady(ctx))

	// Init produces no buffered message.
	msgs, _ := s.Read(0, 10)
	assert.Empty(t, msgs)
}

func TestHandleUpstream_AssistantBlocks(t *testing.T) {
	s, _ := testSession(t)
	s.handleUpstream(&sdk.AssistantMessage{Content: []sdk.ContentBlock{
		&sdk.TextBlock{Text: "hi"},
		&sdk.ThinkingBlock{Thinking: "hmm"},
		&sdk.ToolUseBlock{ToolUseID: "t1", Name: "Bash", Input: map[string]any{"command": "ls"}},
	}})

	msgs, next := s.Read(0, 10)
	require.Len(t, msgs, 3)
	assert.Equal(t, 3, next)
	assert.Equal(t, session.MessageText, msgs[0].Type)
	assert.Equal(t, session.MessageThinking, msgs[1].Type)
	assert.Equal(t, session.MessageToolUse, msgs[2].Type)
	assert.Equal(t, "Bash", msgs[2].Meta.Tool)
	assert.Equal(t, "t1", msgs[2].Meta.UpstreamID)
	assert.JSONEq(t, `{"command":"ls"}`, msgs[2].Content)
}

func TestHandleUpstream_ToolResultBlocks(t *testing.T) {
	s, _ := testSession(t)
	s.handleUpstream(&sdk.UserMessage{Content: []sdk.ContentBlock{
		&sdk.ToolResultBlock{ToolUseID: "t1", Content: "total 4"},
	}})

	msgs, _ := s.Read(0, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, session.MessageToolResult, msgs[0].Type)
	assert.Equal(t, "t1", msgs[0].Meta.UpstreamID)
	assert.Equal(t, "total 4", msgs[0].Content)
}

func TestHandleUpstream_UserEchoIgnored(t *testing.T) {
	s, _ := testSession(t)
	// Plain prompt echoes must not land in the buffer.
	s.handleUpstream(&sdk.UserMessage{Content: "run ls"})
	s.handleUpstream(&sdk.UserMessage{Content: []sdk.ContentBlock{
		&sdk.TextBlock{Text: "run ls"},
	}})

	msgs, _ := s.Read(0, 10)
	assert.Empty(t, msgs)
}

func TestHandleUpstream_Result(t *testing.T) {
	s, _ := testSession(t)
	var events []session.Event
	s.OnEvent(func(e session.Event) { events = append(events, e) })

	text := "all done"
	s.handleUpstream(&sdk.ResultMessage{Subtype: "success", Result: &text})

	msgs, _ := s.Read(0, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, session.MessageResult, msgs[0].Type)
	assert.Equal(t, "all done", msgs[0].Content)

	require.Len(t, events, 1)
	assert.Equal(t, session.EventTaskComplete, events[0].Type)
	assert.Equal(t, session.SeverityInfo, events[0].Severity)
}

func TestHandleUpstream_FailedResult(t *testing.T) {
	s, _ := testSession(t)
	var events []session.Event
	s.OnEvent(func(e session.Event) { events = append(events, e) })

	s.handleUpstream(&sdk.ResultMessage{Subtype: "error_during_execution", IsError: true})

	require.Len(t, events, 1)
	assert.Equal(t, session.SeverityWarning, events[0].Severity)
	msgs, _ := s.Read(0, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "error_during_execution", msgs[0].Content)
}

func TestSend_NotReady(t *testing.T) {
	s, _ := testSession(t)
	err := s.Send(context.Background(), "hello")
	assert.True(t, session.IsKind(err, session.KindNotReady))
}

func TestSend_QueuesAfterReady(t *testing.T) {
	s, fc := testSession(t)
	require.NoError(t, s.start(context.Background(), ""))
	s.handleUpstream(initMessage("up-1"))

	require.NoError(t, s.Send(context.Background(), "first"))
	require.NoError(t, s.Send(context.Background(), "second"))

	assert.Eventually(t, func() bool {
		q := fc.sentQueries()
		return len(q) == 2 && q[0] == "first" && q[1] == "second"
	}, time.Second, 10*time.Millisecond)

	close(fc.msgs)
}

func TestStart_SendsInitialTask(t *testing.T) {
	s, fc := testSession(t)
	require.NoError(t, s.start(context.Background(), "build the thing"))

	assert.Eventually(t, func() bool {
		q := fc.sentQueries()
		return len(q) == 1 && q[0] == "build the thing"
	}, time.Second, 10*time.Millisecond)

	close(fc.msgs)
}

func TestStreamEnd_EmitsUrgentError(t *testing.T) {
	s, fc := testSession(t)
	var mu sync.Mutex
	var events []session.Event
	s.OnEvent(func(e session.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	require.NoError(t, s.start(context.Background(), ""))

	close(fc.msgs)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.Type == session.EventError && e.Severity == session.SeverityUrgent {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// A broken session must still resolve WaitForReady.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.WaitForReady(ctx))
}

func TestStop_EndsQueueAndDisconnects(t *testing.T) {
	s, fc := testSession(t)
	require.NoError(t, s.start(context.Background(), ""))
	s.handleUpstream(initMessage("up-1"))

	require.NoError(t, s.Stop(context.Background(), false))

	fc.mu.Lock()
	assert.True(t, fc.disconnected)
	fc.mu.Unlock()
	assert.True(t, s.queue.Ended())

	err := s.Send(context.Background(), "too late")
	assert.True(t, session.IsKind(err, session.KindInvalidState))

	// Idempotent.
	require.NoError(t, s.Stop(context.Background(), true))
	close(fc.msgs)
}

func TestPermissionCallback_ApproveAndDeny(t *testing.T) {
	s, _ := testSession(t)
	var mu sync.Mutex
	var events []session.Event
	s.OnEvent(func(e session.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	done := make(chan sdk.PermissionResult, 1)
	go func() {
		res, err := s.handleCanUseTool(context.Background(), "Bash", map[string]any{"command": "ls"}, sdk.ToolPermissionContext{})
		require.NoError(t, err)
		done <- res
	}()

	var requestID string
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(events) == 0 {
			return false
		}
		requestID = events[0].Permission.RequestID
		return true
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, session.EventPermissionRequest, events[0].Type)
	assert.Equal(t, "Bash", events[0].Permission.ToolName)
	mu.Unlock()

	require.NoError(t, s.RespondToPermission(context.Background(), requestID, true))
	<-done

	// Exactly-once: a second response fails.
	err := s.RespondToPermission(context.Background(), requestID, false)
	assert.True(t, session.IsKind(err, session.KindNotFound))
}

func TestPermissionCallback_DeniedWhenStopped(t *testing.T) {
	s, fc := testSession(t)
	require.NoError(t, s.start(context.Background(), ""))
	require.NoError(t, s.Stop(context.Background(), false))

	_, err := s.handleCanUseTool(context.Background(), "Bash", nil, sdk.ToolPermissionContext{})
	require.NoError(t, err)

	// No pending entry was left behind.
	s.mu.Lock()
	assert.Empty(t, s.pendingPerms)
	s.mu.Unlock()
	close(fc.msgs)
}

func TestStop_DeniesPendingPermission(t *testing.T) {
	s, fc := testSession(t)
	require.NoError(t, s.start(context.Background(), ""))

	done := make(chan struct{})
	go func() {
		_, err := s.handleCanUseTool(context.Background(), "Bash", nil, sdk.ToolPermissionContext{})
		assert.NoError(t, err)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pendingPerms) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(context.Background(), false))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pending permission not released by stop")
	}
	close(fc.msgs)
}
