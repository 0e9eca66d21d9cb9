// Package store persists session metadata as a JSON array on disk. The
// Manager is the only writer, so no cross-process locking is needed; writes
// are atomic via a temp sibling and rename.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sebastianm/agentmux/internal/session"
)

// PersistedSession is the only durable session state.
type PersistedSession struct {
	ID        string          `json:"id"`
	Provider  string          `json:"provider"`
	Cwd       string          `json:"cwd"`
	PID       int             `json:"pid"`
	OwnerID   string          `json:"ownerId"`
	Mode      session.Mode    `json:"mode"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store reads and writes the snapshot file.
type Store struct {
	path string
}

// New creates a store writing to path. The parent directory is created on
// first write.
func New(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted sessions, or an empty slice when the file does
// not exist yet. Other I/O errors propagate.
func (s *Store) Load() ([]PersistedSession, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []PersistedSession{}, nil
		}
		return nil, session.Wrap(session.KindIO, err, "reading %s", s.path)
	}
	var out []PersistedSession
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, session.Wrap(session.KindIO, err, "parsing %s", s.path)
	}
	return out, nil
}

// Add upserts a record by id.
func (s *Store) Add(rec PersistedSession) error {
	records, err := s.Load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].ID == rec.ID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return s.write(records)
}

// Update merges non-zero fields of upd into the record with the given id.
// Missing ids are ignored.
func (s *Store) Update(id string, upd PersistedSession) error {
	records, err := s.Load()
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ID != id {
			continue
		}
		if upd.Provider != "" {
			records[i].Provider = upd.Provider
		}
		if upd.Cwd != "" {
			records[i].Cwd = upd.Cwd
		}
		if upd.PID != 0 {
			records[i].PID = upd.PID
		}
		if upd.OwnerID != "" {
			records[i].OwnerID = upd.OwnerID
		}
		if upd.Mode != "" {
			records[i].Mode = upd.Mode
		}
		if !upd.CreatedAt.IsZero() {
			records[i].CreatedAt = upd.CreatedAt
		}
		break
	}
	return s.write(records)
}

// Remove deletes the record with the given id, if present.
func (s *Store) Remove(id string) error {
	return s.RemoveMany(map[string]struct{}{id: {}})
}

// RemoveMany deletes every record whose id is in the set.
func (s *Store) RemoveMany(ids map[string]struct{}) error {
	records, err := s.Load()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, r := range records {
		if _, drop := ids[r.ID]; !drop {
			kept = append(kept, r)
		}
	}
	return s.write(kept)
}

// write serializes records and atomically replaces the snapshot file.
func (s *Store) write(records []PersistedSession) error {
	if records == nil {
		records = []PersistedSession{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return session.Wrap(session.KindIO, err, "serializing session snapshot")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return session.Wrap(session.KindIO, err, "creating %s", dir)
	}

	tmp := fmt.Sprintf("%s.tmp.%d", s.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return session.Wrap(session.KindIO, err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return session.Wrap(session.KindIO, err, "replacing %s", s.path)
	}
	return nil
}
