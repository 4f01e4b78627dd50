package state

import (
	"fmt"
	"path/filepath"
)

type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// Open returns the tracker for backend, storing its data under dir.
func Open(backend Backend, dir string, limit int) (Tracker, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryTracker(limit), nil
	case BackendFile, "":
		return NewFileTracker(dir, FileOptions{Persist: true, AutoFlush: true, Limit: limit})
	case BackendSQLite:
		return OpenSQLite(filepath.Join(dir, "state.db"), limit)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
