package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/agentmux/internal/manager"
	"github.com/sebastianm/agentmux/internal/sandbox"
	"github.com/sebastianm/agentmux/internal/session"
	"github.com/sebastianm/agentmux/internal/store"
)

type fakeSession struct {
	id  string
	pid int

	mu        sync.Mutex
	onMessage func(session.Message)
	onEvent   func(session.Event)
	sent      []string
	responses map[string]bool
	stopped   bool
}

func (f *fakeSession) ID() string { return f.id }
func (f *fakeSession) PID() int   { return f.pid }

func (f *fakeSession) Send(ctx context.Context, input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, input)
	return nil
}

func (f *fakeSession) Read(cursor, limit int) ([]session.Message, int) { return nil, 0 }

func (f *fakeSession) SwitchMode(ctx context.Context, target session.Mode) error { return nil }

func (f *fakeSession) RespondToPermission(ctx context.Context, requestID string, approved bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responses == nil {
		f.responses = make(map[string]bool)
	}
	f.responses[requestID] = approved
	return nil
}

func (f *fakeSession) Stop(ctx context.Context, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeSession) OnMessage(fn func(session.Message)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *fakeSession) OnEvent(fn func(session.Event)) {
	f.mu.Lock()
	f.onEvent = fn
	f.mu.Unlock()
}

func (f *fakeSession) emitMessage(m session.Message) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (f *fakeSession) emitEvent(e session.Event) {
	f.mu.Lock()
	fn := f.onEvent
	f.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

type fakeProvider struct {
	name    string
	mu      sync.Mutex
	created []*fakeSession
	nextID  int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Create(ctx context.Context, opts session.SpawnOptions) (session.ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	s := &fakeSession{id: fmt.Sprintf("%s-%d", p.name, p.nextID), pid: 4000 + p.nextID}
	p.created = append(p.created, s)
	return s, nil
}

func (p *fakeProvider) Resume(ctx context.Context, sessionID string, opts session.SpawnOptions) (session.ProviderSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSession{id: sessionID, pid: 5000}
	p.created = append(p.created, s)
	return s, nil
}

func (p *fakeProvider) last() *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created[len(p.created)-1]
}

type slashParser struct{}

func (slashParser) Parse(ctx context.Context, caller Caller, sessionID, input string) (bool, string, error) {
	if strings.HasPrefix(input, "/") {
		return true, "command " + input + " handled", nil
	}
	return false, "", nil
}

type fixture struct {
	srv         *httptest.Server
	provider    *fakeProvider
	mgr         *manager.Manager
	sandboxRoot string
}

func newFixture(t *testing.T, parser CommandParser) *fixture {
	t.Helper()
	root := t.TempDir()
	provider := &fakeProvider{name: "fake"}
	mgr := manager.New(slog.Default(), manager.Options{
		Sandbox: sandbox.New([]string{root}),
		Store:   store.New(filepath.Join(t.TempDir(), "sessions.json")),
	})
	mgr.RegisterProvider(provider)

	h := NewHandler(slog.Default(), mgr, parser)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, provider: provider, mgr: mgr, sandboxRoot: root}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("{}")
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set(headerUser, user)
	req.Header.Set(headerChannel, "chan-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *fixture) spawn(t *testing.T, user string) string {
	t.Helper()
	cwd := f.allowedCwd(t)
	resp, body := f.do(t, http.MethodPost, "/v1/sessions", user, map[string]any{
		"provider": "fake", "cwd": cwd, "task": "do things",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["id"].(string)
}

// allowedCwd returns the sandbox root the fixture was built with.
func (f *fixture) allowedCwd(t *testing.T) string {
	t.Helper()
	return f.sandboxRoot
}

func TestSpawnAndList(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")

	resp, body := f.do(t, http.MethodGet, "/v1/sessions", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].(map[string]any)["id"])
	assert.Equal(t, "fake", sessions[0].(map[string]any)["provider"])
}

func TestSpawnValidation(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/v1/sessions", "alice", map[string]any{"provider": "fake"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "required")
}

func TestSpawnUnknownProvider(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/v1/sessions", "alice", map[string]any{
		"provider": "nope", "cwd": f.allowedCwd(t), "task": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unknown_provider", body["kind"])
}

func TestSpawnOutsideSandboxIsForbidden(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/v1/sessions", "alice", map[string]any{
		"provider": "fake", "cwd": "/etc", "task": "x",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "cwd_denied", body["kind"])
}

func TestSendRoutesToSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/send", "alice", map[string]any{"input": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["handled"])
	assert.Equal(t, []string{"hello"}, f.provider.last().sent)
}

func TestSendDeniedForNonOwner(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/send", "mallory", map[string]any{"input": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access_denied", body["kind"])
	assert.Empty(t, f.provider.last().sent)
}

func TestSlashCommandIntercepted(t *testing.T) {
	f := newFixture(t, slashParser{})
	id := f.spawn(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/send", "alice", map[string]any{"input": "/status"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["handled"])
	assert.Equal(t, "command /status handled", body["response"])
	// The session never saw the input.
	assert.Empty(t, f.provider.last().sent)
}

func TestReadMessagesWithCursor(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")
	sess := f.provider.last()
	sess.emitMessage(session.Message{Type: session.MessageText, Content: "first"})
	sess.emitMessage(session.Message{Type: session.MessageText, Content: "second"})

	resp, body := f.do(t, http.MethodGet, "/v1/sessions/"+id+"/messages?cursor=1", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["messageCount"])
	assert.Equal(t, "2", body["nextCursor"])
	out := body["output"].([]any)
	assert.Equal(t, "second", out[0].(map[string]any)["content"])
}

func TestReadMessagesWaitTimesOut(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")

	start := time.Now()
	resp, body := f.do(t, http.MethodGet, "/v1/sessions/"+id+"/messages?wait=true&timeout=1000", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["timedOut"])
	assert.Equal(t, float64(0), body["messageCount"])
	// The 1s floor on wait timeouts applies.
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestReadMessagesNotFound(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/v1/sessions/ghost/messages", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["kind"])
}

func TestRespondPermission(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/respond", "alice",
		map[string]any{"requestId": "req-1", "approved": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Permission approved", body["message"])
	assert.Equal(t, map[string]bool{"req-1": true}, f.provider.last().responses)
}

func TestSwitchModeRejectsUnknownMode(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/switch", "alice", map[string]any{"mode": "turbo"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "mode must be")
}

func TestSwitchModeToLocal(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/switch", "alice", map[string]any{"mode": "local"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Switched to local mode", body["message"])
}

func TestStopSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")
	sess := f.provider.last()

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/stop", "alice", map[string]any{"force": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Session stopped", body["message"])
	assert.True(t, sess.stopped)

	resp, _ = f.do(t, http.MethodGet, "/v1/sessions/"+id+"/messages", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionSummary(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")
	sess := f.provider.last()
	sess.emitMessage(session.Message{Type: session.MessageText, Content: "a"})
	sess.emitMessage(session.Message{Type: session.MessageToolUse, Content: "b"})
	sess.emitMessage(session.Message{Type: session.MessageText, Content: "c"})

	resp, body := f.do(t, http.MethodGet, "/v1/sessions/"+id+"/summary", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["messageCount"])
	assert.Equal(t, "running", body["switchState"])
	counts := body["counts"].(map[string]any)
	assert.Equal(t, float64(2), counts["text"])
	assert.Equal(t, float64(1), counts["tool_use"])
}

func TestResumeSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.spawn(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/v1/sessions/"+id+"/resume", "alice", map[string]any{"task": "continue"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, float64(5000), body["pid"])
}

func TestEventsWebSocket(t *testing.T) {
	f := newFixture(t, nil)
	f.spawn(t, "alice")
	sess := f.provider.last()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the subscription a moment to register.
	time.Sleep(20 * time.Millisecond)
	sess.emitEvent(session.Event{Type: session.EventTaskComplete, SessionID: sess.id, Summary: "done"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev session.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, session.EventTaskComplete, ev.Type)
	assert.Equal(t, "done", ev.Summary)
}
