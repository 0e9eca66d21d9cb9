// Package acl binds sessions to owners and answers access checks.
package acl

import (
	"sync"

	"github.com/sebastianm/agentmux/internal/session"
)

// ACL maps session ids to owner ids. An owner, once bound, is immutable for
// the life of that session id. The Manager serializes spawn/stop around the
// writes; reads may come from any goroutine.
type ACL struct {
	mu     sync.RWMutex
	owners map[string]string
}

// New creates an empty ACL.
func New() *ACL {
	return &ACL{owners: make(map[string]string)}
}

// SetOwner binds ownerID to sessionID. Fails with invalid_state when the
// session already has an owner.
func (a *ACL) SetOwner(sessionID, ownerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.owners[sessionID]; exists {
		return session.Errf(session.KindInvalidState, "session %s already has an owner", sessionID)
	}
	a.owners[sessionID] = ownerID
	return nil
}

// Owner returns the bound owner, if any.
func (a *ACL) Owner(sessionID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	owner, ok := a.owners[sessionID]
	return owner, ok
}

// CanAccess reports whether ownerID owns sessionID. Unknown sessions are
// never accessible.
func (a *ACL) CanAccess(ownerID, sessionID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	owner, ok := a.owners[sessionID]
	return ok && owner == ownerID
}

// AssertOwner fails with not_found for unknown sessions and access_denied
// for a mismatched owner.
func (a *ACL) AssertOwner(ownerID, sessionID string) error {
	a.mu.RLock()
	owner, ok := a.owners[sessionID]
	a.mu.RUnlock()
	if !ok {
		return session.Errf(session.KindNotFound, "session %s not found", sessionID)
	}
	if owner != ownerID {
		return session.Errf(session.KindAccessDenied, "session %s is not owned by caller", sessionID)
	}
	return nil
}

// RemoveSession clears the binding. Idempotent.
func (a *ACL) RemoveSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.owners, sessionID)
}
