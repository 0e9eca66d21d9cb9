package manager

import (
	"sync"

	"github.com/sebastianm/agentmux/internal/session"
)

// subscribers is one fan-out list. Publishing snapshots the list under the
// lock and invokes outside it, so a callback may subscribe or unsubscribe
// without deadlocking.
type subscribers[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]T
}

func (s *subscribers[T]) add(fn T) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]T)
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *subscribers[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

// bus fans session messages, events, and end notifications out to
// subscribers. Delivery is synchronous, so subscribers observe emissions
// in order; they must not block.
type bus struct {
	msgSubs subscribers[func(sessionID string, msg session.Message)]
	evtSubs subscribers[func(ev session.Event)]
	endSubs subscribers[func(sessionID string)]
}

func (b *bus) subscribeMessages(fn func(sessionID string, msg session.Message)) (unsubscribe func()) {
	return b.msgSubs.add(fn)
}

func (b *bus) subscribeEvents(fn func(ev session.Event)) (unsubscribe func()) {
	return b.evtSubs.add(fn)
}

func (b *bus) subscribeSessionEnd(fn func(sessionID string)) (unsubscribe func()) {
	return b.endSubs.add(fn)
}

func (b *bus) publishMessage(sessionID string, msg session.Message) {
	for _, fn := range b.msgSubs.snapshot() {
		fn(sessionID, msg)
	}
}

func (b *bus) publishEvent(ev session.Event) {
	for _, fn := range b.evtSubs.snapshot() {
		fn(ev)
	}
}

func (b *bus) publishSessionEnd(sessionID string) {
	for _, fn := range b.endSubs.snapshot() {
		fn(sessionID)
	}
}

// SubscribeMessages delivers every buffered message with its session id.
func (m *Manager) SubscribeMessages(fn func(sessionID string, msg session.Message)) (unsubscribe func()) {
	return m.bus.subscribeMessages(fn)
}

// SubscribeEvents delivers every session event.
func (m *Manager) SubscribeEvents(fn func(ev session.Event)) (unsubscribe func()) {
	return m.bus.subscribeEvents(fn)
}

// SubscribeSessionEnd delivers the id of every session leaving the
// registry.
func (m *Manager) SubscribeSessionEnd(fn func(sessionID string)) (unsubscribe func()) {
	return m.bus.subscribeSessionEnd(fn)
}
