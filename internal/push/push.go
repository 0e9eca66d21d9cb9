// Package push fans session output to an external chat transport. Messages
// are batched per session with a debounce window; critical events bypass
// the batch and go out immediately.
package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sebastianm/agentmux/internal/session"
)

// Sender delivers one text chunk to a destination.
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// Formatter renders batches and events for the chat surface.
type Formatter interface {
	// FormatMessages renders a batch into one or more chunks, each at
	// most maxLen characters.
	FormatMessages(msgs []session.Message, maxLen int) []string
	// FormatEvent renders a single event.
	FormatEvent(ev session.Event) string
}

// Options configure an Adapter.
type Options struct {
	Debounce           time.Duration // default 1.5s
	MaxMessageLen      int           // default 4000
	DefaultDestination string
}

type binding struct {
	dest  string
	batch []session.Message
	timer *time.Timer
}

// Adapter batches messages per session and pushes them through a Sender.
// Its public API never returns an error: delivery problems are logged and
// dropped, because the chat surface is best-effort.
type Adapter struct {
	log       *slog.Logger
	sender    Sender
	formatter Formatter
	opts      Options

	mu       sync.Mutex
	bindings map[string]*binding
	disposed bool
}

func NewAdapter(log *slog.Logger, sender Sender, formatter Formatter, opts Options) *Adapter {
	if opts.Debounce <= 0 {
		opts.Debounce = 1500 * time.Millisecond
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = 4000
	}
	return &Adapter{
		log:       log,
		sender:    sender,
		formatter: formatter,
		opts:      opts,
		bindings:  make(map[string]*binding),
	}
}

// BindSession routes a session's output to dest; empty dest uses the
// configured default.
func (a *Adapter) BindSession(sessionID, dest string) {
	if dest == "" {
		dest = a.opts.DefaultDestination
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return
	}
	if b, ok := a.bindings[sessionID]; ok {
		b.dest = dest
		return
	}
	a.bindings[sessionID] = &binding{dest: dest}
}

// UnbindSession flushes anything pending and forgets the session.
func (a *Adapter) UnbindSession(sessionID string) {
	a.mu.Lock()
	b, ok := a.bindings[sessionID]
	if ok {
		delete(a.bindings, sessionID)
		if b.timer != nil {
			b.timer.Stop()
		}
	}
	a.mu.Unlock()
	if ok && len(b.batch) > 0 {
		a.sendBatch(b.dest, b.batch)
	}
}

// HandleMessage appends to the session's batch and (re)schedules the
// debounce flush. Messages for unbound sessions are dropped.
func (a *Adapter) HandleMessage(sessionID string, msg session.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return
	}
	b, ok := a.bindings[sessionID]
	if !ok {
		a.log.Warn("message for unbound session dropped", "session", sessionID)
		return
	}
	b.batch = append(b.batch, msg)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(a.opts.Debounce, func() { a.flush(sessionID) })
}

// HandleEvents pushes critical events immediately; everything else is
// ignored here (the debounced message feed already carries the detail).
func (a *Adapter) HandleEvents(events []session.Event) {
	for _, ev := range events {
		switch ev.Type {
		case session.EventPermissionRequest, session.EventTaskComplete, session.EventError:
		default:
			continue
		}

		a.mu.Lock()
		b, ok := a.bindings[ev.SessionID]
		var dest string
		if ok {
			dest = b.dest
		}
		a.mu.Unlock()
		if !ok {
			continue
		}

		text := a.formatter.FormatEvent(ev)
		if text == "" {
			continue
		}
		if err := a.sender.Send(context.Background(), dest, text); err != nil {
			a.log.Warn("event push failed", "session", ev.SessionID, "error", err)
		}
	}
}

// Dispose flushes every pending batch and clears all state.
func (a *Adapter) Dispose() {
	a.mu.Lock()
	bindings := a.bindings
	a.bindings = make(map[string]*binding)
	a.disposed = true
	a.mu.Unlock()

	for _, b := range bindings {
		if b.timer != nil {
			b.timer.Stop()
		}
		if len(b.batch) > 0 {
			a.sendBatch(b.dest, b.batch)
		}
	}
}

func (a *Adapter) flush(sessionID string) {
	a.mu.Lock()
	b, ok := a.bindings[sessionID]
	var batch []session.Message
	var dest string
	if ok {
		batch = b.batch
		b.batch = nil
		b.timer = nil
		dest = b.dest
	}
	a.mu.Unlock()

	if len(batch) > 0 {
		a.sendBatch(dest, batch)
	}
}

// sendBatch formats and sends chunks sequentially so in-session order is
// preserved on the destination.
func (a *Adapter) sendBatch(dest string, batch []session.Message) {
	for _, chunk := range a.formatter.FormatMessages(batch, a.opts.MaxMessageLen) {
		if chunk == "" {
			continue
		}
		if err := a.sender.Send(context.Background(), dest, chunk); err != nil {
			a.log.Warn("batch push failed", "dest", dest, "error", err)
		}
	}
}
