package codex

import (
	"container/ring"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebastianm/agentmux/internal/procutil"
	"github.com/sebastianm/agentmux/internal/session"
)

// jsonrpcRequest is a JSON-RPC 2.0 request or notification.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"` // nil for notifications
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonrpcError is a JSON-RPC 2.0 error object.
type jsonrpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *jsonrpcError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// jsonrpcIncoming is any inbound message: a response (no method), a
// notification (method, no id), or a server-initiated request (method + id).
type jsonrpcIncoming struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	ch    chan rpcResult
	timer *time.Timer
}

// transportHandlers are the callbacks a session registers on its transport.
// They are detachable so a dead transport can be discarded during reconnect
// without stray deliveries.
type transportHandlers struct {
	// OnNotify receives server notifications.
	OnNotify func(method string, params json.RawMessage)
	// OnRequest receives server-initiated requests (elicitation). The
	// handler must eventually call transport.respond with the same id.
	OnRequest func(id int64, method string, params json.RawMessage)
	// OnClose fires once when the subprocess or its stdio pipe dies.
	OnClose func(desc string)
}

// transport owns one app-server subprocess and the framed JSON-RPC
// conversation with it.
type transport struct {
	log   *slog.Logger
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	nextID    atomic.Int64
	pending   map[int64]*pendingCall
	pendingMu sync.Mutex

	handlersMu sync.Mutex
	handlers   transportHandlers

	stderrMu   sync.Mutex
	stderrTail *ring.Ring

	closed atomic.Bool
	done   chan struct{}
}

const stderrTailLines = 40

// startTransport spawns the subprocess and begins the read loops. The
// caller still has to run the initialize handshake.
func startTransport(log *slog.Logger, binary string, args []string, cwd string, env []string) (*transport, error) {
	cmd := exec.Command(binary, args...)
	cmd.Env = env
	if cwd != "" {
		cmd.Dir = cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, session.Wrap(session.KindTransport, err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, session.Wrap(session.KindTransport, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, session.Wrap(session.KindTransport, err, "stderr pipe")
	}

	if err := procutil.StartWithCleanup(cmd); err != nil {
		return nil, session.Wrap(session.KindTransport, err, "start %s", binary)
	}

	t := &transport{
		log:        log,
		cmd:        cmd,
		stdin:      stdin,
		pending:    make(map[int64]*pendingCall),
		stderrTail: ring.New(stderrTailLines),
		done:       make(chan struct{}),
	}

	go t.readLoop(stdout)
	go t.stderrLoop(stderr)

	return t, nil
}

func (t *transport) pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// setHandlers installs or replaces the callback set.
func (t *transport) setHandlers(h transportHandlers) {
	t.handlersMu.Lock()
	t.handlers = h
	t.handlersMu.Unlock()
}

// detach removes every callback, including the stderr sink. Used before
// discarding a transport during reconnect.
func (t *transport) detach() {
	t.setHandlers(transportHandlers{})
}

func (t *transport) currentHandlers() transportHandlers {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	return t.handlers
}

// call sends a request and blocks until its response, the timeout, or
// transport death.
func (t *transport) call(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, session.Errf(session.KindTransport, "transport closed")
	}

	id := t.nextID.Add(1)
	pc := &pendingCall{ch: make(chan rpcResult, 1)}
	pc.timer = time.AfterFunc(timeout, func() {
		t.failCall(id, session.Errf(session.KindTimeout, "%s timed out after %s", method, timeout))
	})

	t.pendingMu.Lock()
	t.pending[id] = pc
	t.pendingMu.Unlock()

	req := jsonrpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := t.write(req); err != nil {
		t.removeCall(id)
		return nil, err
	}

	res := <-pc.ch
	return res.result, res.err
}

// notify sends a notification (no response expected).
func (t *transport) notify(method string, params any) {
	_ = t.write(jsonrpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// respond answers a server-initiated request.
func (t *transport) respond(id int64, result any) {
	type outResponse struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Result  any    `json:"result"`
	}
	_ = t.write(outResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (t *transport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return session.Wrap(session.KindTransport, err, "marshal JSON-RPC")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(frame(data)); err != nil {
		return session.Wrap(session.KindTransport, err, "write to app-server")
	}
	return nil
}

func (t *transport) readLoop(stdout io.Reader) {
	var f framer
	buf := make([]byte, 32*1024)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, body := range f.Feed(buf[:n]) {
				t.dispatch(body)
			}
		}
		if err != nil {
			break
		}
	}

	t.finish()
}

func (t *transport) dispatch(body []byte) {
	var msg jsonrpcIncoming
	if err := json.Unmarshal(body, &msg); err != nil {
		// Malformed body: drop the message and keep reading.
		t.log.Warn("invalid JSON from app-server", "error", err)
		return
	}

	if msg.Method == "" {
		if msg.ID == nil {
			return
		}
		t.pendingMu.Lock()
		pc, ok := t.pending[*msg.ID]
		if ok {
			delete(t.pending, *msg.ID)
		}
		t.pendingMu.Unlock()
		if !ok {
			return
		}
		pc.timer.Stop()
		if msg.Error != nil {
			pc.ch <- rpcResult{err: session.Wrap(session.KindRPC, msg.Error, "app-server rejected request")}
		} else {
			pc.ch <- rpcResult{result: msg.Result}
		}
		return
	}

	h := t.currentHandlers()
	if msg.ID != nil {
		if h.OnRequest != nil {
			h.OnRequest(*msg.ID, msg.Method, msg.Params)
		}
		return
	}
	if h.OnNotify != nil {
		h.OnNotify(msg.Method, msg.Params)
	}
}

func (t *transport) stderrLoop(stderr io.Reader) {
	buf := make([]byte, 8*1024)
	var partial string
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			partial += string(buf[:n])
			for {
				line, rest, ok := strings.Cut(partial, "\n")
				if !ok {
					break
				}
				partial = rest
				if line = strings.TrimRight(line, "\r"); line != "" {
					t.recordStderr(line)
				}
			}
		}
		if err != nil {
			if partial != "" {
				t.recordStderr(partial)
			}
			return
		}
	}
}

func (t *transport) recordStderr(line string) {
	t.stderrMu.Lock()
	t.stderrTail.Value = line
	t.stderrTail = t.stderrTail.Next()
	t.stderrMu.Unlock()
}

// stderrSnapshot joins the retained tail of the subprocess's stderr, for
// diagnostics in exit summaries.
func (t *transport) stderrSnapshot() string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	var lines []string
	t.stderrTail.Do(func(v any) {
		if s, ok := v.(string); ok && s != "" {
			lines = append(lines, s)
		}
	})
	return strings.Join(lines, "\n")
}

// finish runs once when stdout closes: reap the process, fail every pending
// call with the exit description, and fire OnClose.
func (t *transport) finish() {
	waitErr := t.cmd.Wait()

	desc := "app-server exited"
	if state := t.cmd.ProcessState; state != nil {
		desc = fmt.Sprintf("app-server exited (code %d)", state.ExitCode())
		if ws, ok := state.Sys().(interface{ Signaled() bool }); ok && ws.Signaled() {
			desc = fmt.Sprintf("app-server killed by signal (%v)", waitErr)
		}
	}

	t.failAll(session.Errf(session.KindProcessExit, "%s", desc))

	alreadyClosed := t.closed.Swap(true)
	close(t.done)

	if !alreadyClosed {
		if h := t.currentHandlers(); h.OnClose != nil {
			h.OnClose(desc)
		}
	}
}

// close kills the subprocess. The read loop observes EOF and runs finish.
func (t *transport) close() {
	if t.closed.Swap(true) {
		return
	}
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

func (t *transport) failCall(id int64, err error) {
	t.pendingMu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
	if ok {
		pc.timer.Stop()
		pc.ch <- rpcResult{err: err}
	}
}

func (t *transport) removeCall(id int64) {
	t.pendingMu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
	if ok {
		pc.timer.Stop()
	}
}

func (t *transport) failAll(err error) {
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = make(map[int64]*pendingCall)
	t.pendingMu.Unlock()
	for _, pc := range pending {
		pc.timer.Stop()
		pc.ch <- rpcResult{err: err}
	}
}
