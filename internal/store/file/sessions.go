// Package file persists the session snapshot as a JSON file with
// atomic temp-file + rename writes.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/larkcode/internal/sessions"
	"github.com/nextlevelbuilder/larkcode/internal/store"
)

// SnapshotStore writes {sessions, groups} to a single JSON file.
type SnapshotStore struct {
	path string
}

// NewSnapshotStore creates the parent directory if needed.
func NewSnapshotStore(path string) (*SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotStore{path: path}, nil
}

// Save writes the snapshot atomically: temp file → fsync → rename.
func (s *SnapshotStore) Save(snap sessions.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot; a missing file is an empty snapshot, not an
// error.
func (s *SnapshotStore) Load() (sessions.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sessions.Snapshot{}, nil
		}
		return sessions.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap sessions.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return sessions.Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, nil
}

var _ store.SnapshotStore = (*SnapshotStore)(nil)
