package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrNotFound means no migration record exists yet.
var ErrNotFound = errors.New("record: no migration state persisted")

var detectReadOnlyMount = defaultReadOnlyDetector

func defaultReadOnlyDetector(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	return st.Flags&unix.ST_RDONLY != 0, nil
}

// Store persists the MigrationState record with write-new-then-rename
// semantics: a crash between writing state and performing the next external
// action always resumes at a well-defined phase, never a torn record.
type Store struct {
	path string
}

// NewStore persists at the given file path, creating parent directories on
// first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads and validates the persisted record.
func (s *Store) Load() (*MigrationState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("record: read %s: %w", s.path, err)
	}
	var state MigrationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("record: parse %s: %w", s.path, err)
	}
	if state.SchemaVersion == 0 {
		return nil, fmt.Errorf("record: %s missing schema version", s.path)
	}
	if state.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("record: %s has schema %d, newer than supported %d",
			s.path, state.SchemaVersion, SchemaVersion)
	}
	return &state, nil
}

// Save atomically replaces the record. The temp file is fsynced before the
// rename and the directory after it, so the record is durable before the
// caller proceeds to any external action.
func (s *Store) Save(state *MigrationState) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("record: create state dir: %w", err)
	}
	if ro, err := detectReadOnlyMount(dir); err == nil && ro {
		return fmt.Errorf("record: state dir %s is read-only", dir)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("record: encode: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".migration-*.json")
	if err != nil {
		return fmt.Errorf("record: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("record: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("record: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("record: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("record: rename into place: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
