// Package persistence implements the state manager & archivist (C10,
// §4.10): atomic snapshot writes with a tmp/backup/rename sequence, JSONL
// trade archival, end-of-day summary writing, and an optional S3-compatible
// mirror, modeled on the reference service's R2 backup pattern.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/kestrelquant/engine/internal/domain"
	"github.com/rs/zerolog"
)

// SnapshotStore reads and writes SchedulerState with the §4.10 atomic
// write/read-with-recovery contract.
type SnapshotStore struct {
	path string
	log  zerolog.Logger
}

// NewSnapshotStore builds a store rooted at path (typically
// state/current_state.json).
func NewSnapshotStore(path string, log zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{path: path, log: log.With().Str("component", "snapshot_store").Logger()}
}

// Write performs the §4.10 atomic write: encode to path.tmp, fsync, copy the
// existing file to path.backup, then rename tmp into place. A write failure
// is a PersistenceError, never fatal — the in-memory state remains
// authoritative until the next successful flush (§7).
func (s *SnapshotStore) Write(state domain.SchedulerState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &domain.PersistenceError{Op: "mkdir", Err: err}
	}

	tmpPath := s.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return &domain.PersistenceError{Op: "create_tmp", Err: err}
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		f.Close()
		return &domain.PersistenceError{Op: "encode", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &domain.PersistenceError{Op: "fsync", Err: err}
	}
	if err := f.Close(); err != nil {
		return &domain.PersistenceError{Op: "close_tmp", Err: err}
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.path+".backup"); err != nil {
			s.log.Warn().Err(err).Msg("failed to refresh snapshot backup before rename")
		}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return &domain.PersistenceError{Op: "rename", Err: err}
	}
	return nil
}

// Read loads the snapshot, falling back to path.backup on a missing or
// corrupt primary file, and to the zero-value SchedulerState if both fail
// (§4.10 "read with auto-recovery").
func (s *SnapshotStore) Read() domain.SchedulerState {
	if state, err := readJSON[domain.SchedulerState](s.path); err == nil {
		return state
	}
	if state, err := readJSON[domain.SchedulerState](s.path + ".backup"); err == nil {
		s.log.Warn().Msg("recovered scheduler state from backup after primary read failure")
		return state
	}
	s.log.Warn().Msg("no recoverable scheduler state found, starting from zero value")
	return domain.SchedulerState{}
}

func readJSON[T any](path string) (T, error) {
	var out T
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
