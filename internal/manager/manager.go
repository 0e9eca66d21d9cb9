// Package manager is the supervisor core: it owns the live session
// registry, admission control, owner binding, per-session message buffers,
// the mode-switch state machine, and startup reconciliation against the
// persisted snapshot.
package manager

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sebastianm/agentmux/internal/acl"
	"github.com/sebastianm/agentmux/internal/sandbox"
	"github.com/sebastianm/agentmux/internal/session"
	"github.com/sebastianm/agentmux/internal/store"
)

// Redactor scrubs message content before it leaves the manager. The
// manager is the policy enforcement point: providers buffer raw content.
type Redactor interface {
	Redact(content string) string
}

type passthroughRedactor struct{}

func (passthroughRedactor) Redact(content string) string { return content }

// Options configure a Manager.
type Options struct {
	// MaxSessions caps the live registry; 0 means unlimited.
	MaxSessions int
	Sandbox     *sandbox.Sandbox
	Store       *store.Store
	Redactor    Redactor
}

// entry is the manager-side state of one live session.
type entry struct {
	sess         session.ProviderSession
	rec          session.Record
	switchState  session.SwitchState
	buffer       []session.Message
	lastActivity time.Time
}

// Manager multiplexes caller operations over live sessions by id.
type Manager struct {
	log      *slog.Logger
	opts     Options
	acl      *acl.ACL
	redactor Redactor

	mu        sync.RWMutex
	providers map[string]session.Provider
	entries   map[string]*entry
	// reserved counts spawns that passed admission but whose provider
	// call is still in flight, so concurrent spawns cannot overshoot
	// MaxSessions.
	reserved int
	// detached tracks sessions whose subprocess survived a supervisor
	// restart: they are resumable but have no live provider object.
	detached map[string]store.PersistedSession

	bus bus
}

func New(log *slog.Logger, opts Options) *Manager {
	if opts.Sandbox == nil {
		opts.Sandbox = sandbox.New(nil)
	}
	red := opts.Redactor
	if red == nil {
		red = passthroughRedactor{}
	}
	return &Manager{
		log:       log,
		opts:      opts,
		acl:       acl.New(),
		redactor:  red,
		providers: make(map[string]session.Provider),
		entries:   make(map[string]*entry),
		detached:  make(map[string]store.PersistedSession),
	}
}

// RegisterProvider installs a provider under its name.
func (m *Manager) RegisterProvider(p session.Provider) {
	m.mu.Lock()
	m.providers[p.Name()] = p
	m.mu.Unlock()
}

// Spawn admits and creates a new session bound to ownerID.
func (m *Manager) Spawn(ctx context.Context, providerName string, opts session.SpawnOptions, ownerID string) (session.Record, error) {
	m.mu.RLock()
	p, ok := m.providers[providerName]
	m.mu.RUnlock()
	if !ok {
		return session.Record{}, session.Errf(session.KindUnknownProvider, "unknown provider %q", providerName)
	}

	opts.Cwd = filepath.Clean(opts.Cwd)
	if err := m.opts.Sandbox.AssertAllowed(opts.Cwd); err != nil {
		return session.Record{}, err
	}
	if opts.Mode == "" {
		opts.Mode = session.ModeRemote
	}

	// Reserve the admission slot before the provider call: concurrent
	// spawns racing past the cap must be refused here, not after every
	// one of them has forked a process.
	m.mu.Lock()
	if m.opts.MaxSessions > 0 && len(m.entries)+m.reserved >= m.opts.MaxSessions {
		m.mu.Unlock()
		return session.Record{}, session.Errf(session.KindAdmissionDenied, "session limit %d reached", m.opts.MaxSessions)
	}
	m.reserved++
	m.mu.Unlock()

	sess, err := p.Create(ctx, opts)
	if err != nil {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
		return session.Record{}, err
	}

	rec := session.Record{
		ID:        sess.ID(),
		Provider:  providerName,
		Cwd:       opts.Cwd,
		PID:       sess.PID(),
		Mode:      opts.Mode,
		OwnerID:   ownerID,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.reserved--
	m.entries[rec.ID] = &entry{
		sess:         sess,
		rec:          rec,
		switchState:  session.SwitchRunning,
		lastActivity: rec.CreatedAt,
	}
	m.mu.Unlock()

	// The owner must be bound before any forwarding starts, or an event
	// could reach subscribers for a session no caller owns yet.
	if err := m.acl.SetOwner(rec.ID, ownerID); err != nil {
		m.log.Error("bind owner", "session", rec.ID, "error", err)
	}
	m.attachListeners(rec.ID, sess)

	if err := m.opts.Store.Add(persistedFrom(rec)); err != nil {
		m.log.Warn("persist session", "session", rec.ID, "error", err)
	}

	m.log.Info("session spawned", "session", rec.ID, "provider", providerName, "cwd", rec.Cwd, "owner", ownerID)
	return rec, nil
}

// Resume re-creates the provider object for an existing session id: either
// a live session being replaced, or a detached one surviving a restart.
// Provider and cwd are inherited from the existing record.
func (m *Manager) Resume(ctx context.Context, sessionID string, opts session.SpawnOptions, callerID string) (session.Record, error) {
	m.mu.RLock()
	e, live := m.entries[sessionID]
	det, wasDetached := m.detached[sessionID]
	m.mu.RUnlock()

	var providerName, cwd string
	var createdAt time.Time
	switch {
	case live:
		if err := m.acl.AssertOwner(callerID, sessionID); err != nil {
			return session.Record{}, err
		}
		providerName, cwd, createdAt = e.rec.Provider, e.rec.Cwd, e.rec.CreatedAt
	case wasDetached:
		providerName, cwd, createdAt = det.Provider, det.Cwd, det.CreatedAt
	default:
		return session.Record{}, session.Errf(session.KindNotFound, "session %s not found", sessionID)
	}

	m.mu.RLock()
	p, ok := m.providers[providerName]
	m.mu.RUnlock()
	if !ok {
		return session.Record{}, session.Errf(session.KindUnknownProvider, "unknown provider %q", providerName)
	}

	opts.Cwd = cwd
	if opts.Mode == "" {
		opts.Mode = session.ModeRemote
	}
	sess, err := p.Resume(ctx, sessionID, opts)
	if err != nil {
		return session.Record{}, err
	}

	rec := session.Record{
		ID:        sessionID,
		Provider:  providerName,
		Cwd:       cwd,
		PID:       sess.PID(),
		Mode:      opts.Mode,
		OwnerID:   callerID,
		CreatedAt: createdAt,
	}

	m.mu.Lock()
	var buffer []session.Message
	var lastActivity time.Time
	if live {
		buffer = e.buffer
		lastActivity = e.lastActivity
		rec.OwnerID = e.rec.OwnerID
	} else {
		delete(m.detached, sessionID)
		lastActivity = time.Now()
	}
	m.entries[sessionID] = &entry{
		sess:         sess,
		rec:          rec,
		switchState:  session.SwitchRunning,
		buffer:       buffer,
		lastActivity: lastActivity,
	}
	m.mu.Unlock()

	if !live {
		if err := m.acl.SetOwner(sessionID, callerID); err != nil {
			m.log.Warn("rebind owner on resume", "session", sessionID, "error", err)
		}
	}
	m.attachListeners(sessionID, sess)

	if err := m.opts.Store.Update(sessionID, persistedFrom(rec)); err != nil {
		m.log.Warn("persist resumed session", "session", sessionID, "error", err)
	}

	m.log.Info("session resumed", "session", sessionID, "provider", providerName)
	return rec, nil
}

// Get returns the record of a live session owned by callerID.
func (m *Manager) Get(sessionID, callerID string) (session.Record, error) {
	if err := m.acl.AssertOwner(callerID, sessionID); err != nil {
		return session.Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return session.Record{}, session.Errf(session.KindNotFound, "session %s not found", sessionID)
	}
	return e.rec, nil
}

// ListFilter narrows List output.
type ListFilter struct {
	Cwd      string
	Provider string
}

// List returns the records of all live sessions matching the filter.
func (m *Manager) List(f ListFilter) []session.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]session.Record, 0, len(m.entries))
	for _, e := range m.entries {
		if f.Cwd != "" && e.rec.Cwd != filepath.Clean(f.Cwd) {
			continue
		}
		if f.Provider != "" && e.rec.Provider != f.Provider {
			continue
		}
		out = append(out, e.rec)
	}
	return out
}

// Size is the number of live sessions.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// GetSwitchState reports the mode-switch position of a session. Detached
// sessions report running so an explicit resume can re-attach them.
func (m *Manager) GetSwitchState(sessionID string) (session.SwitchState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[sessionID]; ok {
		return e.switchState, nil
	}
	if _, ok := m.detached[sessionID]; ok {
		return session.SwitchRunning, nil
	}
	return "", session.Errf(session.KindNotFound, "session %s not found", sessionID)
}

// GetLastActivity reports when the session last produced a message.
func (m *Manager) GetLastActivity(sessionID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return time.Time{}, session.Errf(session.KindNotFound, "session %s not found", sessionID)
	}
	return e.lastActivity, nil
}

// Send routes one prompt to the session.
func (m *Manager) Send(ctx context.Context, sessionID, input, callerID string) error {
	if err := m.acl.AssertOwner(callerID, sessionID); err != nil {
		return err
	}
	m.mu.RLock()
	e, ok := m.entries[sessionID]
	m.mu.RUnlock()
	if !ok {
		return session.Errf(session.KindNotFound, "session %s not found", sessionID)
	}
	return e.sess.Send(ctx, input)
}

// RespondToPermission resolves a pending approval on the session.
func (m *Manager) RespondToPermission(ctx context.Context, sessionID, requestID string, approved bool, callerID string) error {
	if err := m.acl.AssertOwner(callerID, sessionID); err != nil {
		return err
	}
	m.mu.RLock()
	e, ok := m.entries[sessionID]
	m.mu.RUnlock()
	if !ok {
		return session.Errf(session.KindNotFound, "session %s not found", sessionID)
	}
	return e.sess.RespondToPermission(ctx, requestID, approved)
}

// Stop tears a session down and cascades cleanup.
func (m *Manager) Stop(ctx context.Context, sessionID string, force bool, callerID string) error {
	if err := m.acl.AssertOwner(callerID, sessionID); err != nil {
		return err
	}
	m.mu.RLock()
	e, ok := m.entries[sessionID]
	m.mu.RUnlock()
	if !ok {
		return session.Errf(session.KindNotFound, "session %s not found", sessionID)
	}
	if err := e.sess.Stop(ctx, force); err != nil {
		m.log.Warn("stop session", "session", sessionID, "error", err)
	}
	m.cleanup(sessionID)
	m.log.Info("session stopped", "session", sessionID)
	return nil
}

// Shutdown stops every live session. Called once on supervisor exit.
// Persisted records are left in place; the next start reconciles them
// against actual pid liveness.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	live := make(map[string]session.ProviderSession, len(m.entries))
	for id, e := range m.entries {
		live[id] = e.sess
	}
	m.mu.RUnlock()

	for id, sess := range live {
		if err := sess.Stop(ctx, false); err != nil {
			m.log.Warn("stop session on shutdown", "session", id, "error", err)
		}
	}
	m.log.Info("shutdown complete", "sessions", len(live))
}

// exit markers the event glue watches for in event summaries.
var exitMarkers = []string{"Process exited", "process exited", "Process error"}

// attachListeners wires a session's message and event streams into the
// manager: buffer appends, activity tracking, bus forwarding, and
// exit-driven cleanup.
func (m *Manager) attachListeners(sessionID string, sess session.ProviderSession) {
	sess.OnMessage(func(msg session.Message) {
		m.mu.Lock()
		e, ok := m.entries[sessionID]
		if ok {
			e.buffer = append(e.buffer, msg)
			e.lastActivity = time.Now()
		}
		m.mu.Unlock()
		if ok {
			m.bus.publishMessage(sessionID, msg)
		}
	})

	sess.OnEvent(func(ev session.Event) {
		m.bus.publishEvent(ev)

		if !isExitEvent(ev.Summary) {
			return
		}
		m.mu.RLock()
		e, ok := m.entries[sessionID]
		suppressed := ok && (e.switchState == session.SwitchDraining || e.switchState == session.SwitchSwitching)
		m.mu.RUnlock()
		// During a mode switch the old process is expected to die.
		if !ok || suppressed {
			return
		}
		m.log.Warn("session process exited", "session", sessionID, "summary", ev.Summary)
		m.cleanup(sessionID)
	})
}

func isExitEvent(summary string) bool {
	for _, marker := range exitMarkers {
		if strings.Contains(summary, marker) {
			return true
		}
	}
	return false
}

// cleanup removes every trace of a session and notifies end subscribers.
// Safe to call for ids that are already gone.
func (m *Manager) cleanup(sessionID string) {
	m.mu.Lock()
	_, ok := m.entries[sessionID]
	delete(m.entries, sessionID)
	delete(m.detached, sessionID)
	m.mu.Unlock()

	m.acl.RemoveSession(sessionID)
	if err := m.opts.Store.Remove(sessionID); err != nil {
		m.log.Warn("remove persisted session", "session", sessionID, "error", err)
	}
	if ok {
		m.bus.publishSessionEnd(sessionID)
	}
}

func persistedFrom(rec session.Record) store.PersistedSession {
	return store.PersistedSession{
		ID:        rec.ID,
		Provider:  rec.Provider,
		Cwd:       rec.Cwd,
		PID:       rec.PID,
		OwnerID:   rec.OwnerID,
		Mode:      rec.Mode,
		CreatedAt: rec.CreatedAt,
	}
}
