// Package sandbox restricts session working directories to an allow-list of
// path prefixes.
package sandbox

import (
	"path/filepath"
	"strings"

	"github.com/sebastianm/agentmux/internal/session"
)

// Sandbox holds the normalized allow-list roots. An empty allow-list means
// allow-all.
type Sandbox struct {
	roots []string
}

// New normalizes each root (cleaning ".." and "." segments syntactically,
// without touching the filesystem) and returns the sandbox.
func New(roots []string) *Sandbox {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(r))
	}
	return &Sandbox{roots: cleaned}
}

// Check reports whether path, after syntactic canonicalization, equals a
// root or lies strictly under one.
func (s *Sandbox) Check(path string) bool {
	if len(s.roots) == 0 {
		return true
	}
	p := filepath.Clean(path)
	for _, root := range s.roots {
		if p == root {
			return true
		}
		// The char after the root must be the separator, so /tmp-evil does
		// not pass for root /tmp.
		if strings.HasPrefix(p, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// AssertAllowed fails with cwd_denied when Check rejects the path.
func (s *Sandbox) AssertAllowed(path string) error {
	if !s.Check(path) {
		return session.Errf(session.KindCwdDenied, "cwd %s is outside the allowed roots", path)
	}
	return nil
}
