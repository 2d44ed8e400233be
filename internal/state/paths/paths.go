package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const defaultRoot = "/var/lib/zmigrated"

var (
	root string
	once sync.Once
)

func resolveRoot() {
	candidate := os.Getenv("ZMIGRATE_STATE_DIR")
	if candidate == "" {
		candidate = defaultRoot
	}
	root = filepath.Clean(candidate)
}

// Root returns the base directory where migration state is persisted.
func Root() string {
	once.Do(resolveRoot)
	return root
}

// Join resolves a path relative to the state root.
func Join(elements ...string) string {
	all := append([]string{Root()}, elements...)
	return filepath.Join(all...)
}

// RecordPath is the durable MigrationState record file.
func RecordPath() string { return Join("migration.json") }

// JournalPath is the append-only transition audit database.
func JournalPath() string { return Join("journal.db") }

// LockPath guards against concurrent orchestrator invocations.
func LockPath() string { return Join("zmigrated.lock") }

// SetRoot overrides the state root, typically from configuration. Must be
// called before any path is resolved.
func SetRoot(dir string) {
	once.Do(resolveRoot)
	if dir != "" {
		root = filepath.Clean(dir)
	}
}

// SetRootForTest resets the cached root so tests can override ZMIGRATE_STATE_DIR.
func SetRootForTest(dir string) {
	if dir != "" {
		os.Setenv("ZMIGRATE_STATE_DIR", dir)
	}
	root = ""
	once = sync.Once{}
}
