package push

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/agentmux/internal/session"
)

type recordingSender struct {
	mu    sync.Mutex
	sends []string
	dests []string
}

func (r *recordingSender) Send(ctx context.Context, destination, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, text)
	r.dests = append(r.dests, destination)
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sends...)
}

func newTestAdapter(t *testing.T, debounce time.Duration) (*Adapter, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	a := NewAdapter(slog.Default(), sender, TextFormatter{}, Options{
		Debounce:           debounce,
		MaxMessageLen:      4000,
		DefaultDestination: "general",
	})
	return a, sender
}

func text(s string) session.Message {
	return session.Message{Type: session.MessageText, Content: s}
}

func TestAdapter_DebouncedBatching(t *testing.T) {
	a, sender := newTestAdapter(t, 30*time.Millisecond)
	a.BindSession("s1", "")

	a.HandleMessage("s1", text("one"))
	a.HandleMessage("s1", text("two"))

	// Nothing goes out before the window closes.
	assert.Empty(t, sender.sent())

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "one\ntwo", sender.sent()[0])
	assert.Equal(t, "general", sender.dests[0])
}

func TestAdapter_TimerResetsOnNewMessage(t *testing.T) {
	a, sender := newTestAdapter(t, 50*time.Millisecond)
	a.BindSession("s1", "dev")

	a.HandleMessage("s1", text("a"))
	time.Sleep(30 * time.Millisecond)
	a.HandleMessage("s1", text("b"))
	time.Sleep(30 * time.Millisecond)
	// 60ms elapsed but the window restarted at 30ms; still pending.
	assert.Empty(t, sender.sent())

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a\nb", sender.sent()[0])
}

func TestAdapter_UnboundMessagesDropped(t *testing.T) {
	a, sender := newTestAdapter(t, time.Millisecond)
	a.HandleMessage("ghost", text("dropped"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sender.sent())
}

func TestAdapter_CriticalEventsBypassDebounce(t *testing.T) {
	a, sender := newTestAdapter(t, time.Hour)
	a.BindSession("s1", "alerts")

	a.HandleEvents([]session.Event{
		{Type: session.EventPermissionRequest, SessionID: "s1", Summary: "approve?",
			Permission: &session.PermissionDetail{RequestID: "r1", ToolName: "Exec", Command: "rm -rf"}},
		{Type: session.EventTaskComplete, SessionID: "s1", Summary: "finished"},
		{Type: session.EventError, SessionID: "s1", Summary: "boom"},
		{Type: session.EventReady, SessionID: "s1", Summary: "ignored"},
		{Type: session.EventWaitingForInput, SessionID: "s1", Summary: "ignored"},
	})

	got := sender.sent()
	require.Len(t, got, 3)
	assert.Contains(t, got[0], "rm -rf")
	assert.Contains(t, got[0], "r1")
	assert.Contains(t, got[1], "finished")
	assert.Contains(t, got[2], "boom")
}

func TestAdapter_EventsForUnboundSessionIgnored(t *testing.T) {
	a, sender := newTestAdapter(t, time.Hour)
	a.HandleEvents([]session.Event{{Type: session.EventError, SessionID: "ghost", Summary: "x"}})
	assert.Empty(t, sender.sent())
}

func TestAdapter_UnbindFlushesPending(t *testing.T) {
	a, sender := newTestAdapter(t, time.Hour)
	a.BindSession("s1", "dev")
	a.HandleMessage("s1", text("pending"))

	a.UnbindSession("s1")
	require.Len(t, sender.sent(), 1)
	assert.Equal(t, "pending", sender.sent()[0])

	// Session is gone; further messages drop.
	a.HandleMessage("s1", text("late"))
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, sender.sent(), 1)
}

func TestAdapter_DisposeFlushesEverything(t *testing.T) {
	a, sender := newTestAdapter(t, time.Hour)
	a.BindSession("s1", "one")
	a.BindSession("s2", "two")
	a.HandleMessage("s1", text("alpha"))
	a.HandleMessage("s2", text("beta"))

	a.Dispose()
	assert.ElementsMatch(t, []string{"alpha", "beta"}, sender.sent())

	a.BindSession("s3", "three")
	a.HandleMessage("s3", text("after dispose"))
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, sender.sent(), 2)
}

func TestAdapter_ChunksSentSequentially(t *testing.T) {
	sender := &recordingSender{}
	a := NewAdapter(slog.Default(), sender, TextFormatter{}, Options{
		Debounce:      time.Millisecond,
		MaxMessageLen: 5,
	})
	a.BindSession("s1", "dev")
	a.HandleMessage("s1", text("aaaaabbbbbccccc"))

	require.Eventually(t, func() bool { return len(sender.sent()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"aaaaa", "bbbbb", "ccccc"}, sender.sent())
}

func TestChunkLines(t *testing.T) {
	assert.Equal(t, []string{"a\nb"}, chunkLines([]string{"a", "b"}, 10))
	assert.Equal(t, []string{"aa", "bb"}, chunkLines([]string{"aa", "bb"}, 3))
	assert.Empty(t, chunkLines(nil, 10))
}

func TestChatClient_RetriesOn429(t *testing.T) {
	var mu sync.Mutex
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChatClient(slog.Default(), srv.URL, "tok")
	require.NoError(t, c.Send(context.Background(), "dev", "hello"))
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestChatClient_SingleRetryOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewChatClient(slog.Default(), srv.URL, "")
	err := c.Send(context.Background(), "dev", "hello")
	assert.True(t, session.IsKind(err, session.KindTransport))
}

func TestChatClient_NonSuccessIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewChatClient(slog.Default(), srv.URL, "")
	err := c.Send(context.Background(), "dev", "hello")
	assert.True(t, session.IsKind(err, session.KindTransport))
}

func TestChatClient_SendsAuthAndPayload(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChatClient(slog.Default(), srv.URL, "tok-1")
	require.NoError(t, c.Send(context.Background(), "dev", "hi"))
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.JSONEq(t, `{"channel":"dev","text":"hi"}`, gotBody)
}
