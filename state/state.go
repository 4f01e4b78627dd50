package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultLimit is how many processed ids are remembered before the oldest are
// forgotten.
const DefaultLimit = 10000

// Outcomes recorded alongside a processed id.
const (
	OutcomeRelayed  = "relayed"
	OutcomeNoCode   = "no_code"
	OutcomeBaseline = "baseline"
	OutcomeFiltered = "filtered"
	OutcomeFailed   = "failed"
)

type Tracker interface {
	AlreadyProcessed(id string) bool
	MarkProcessed(id, outcome string) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Processed int
}

type entry struct {
	id      string
	outcome string
}

// MemoryTracker remembers the newest limit ids in process memory.
type MemoryTracker struct {
	mu        sync.RWMutex
	limit     int
	processed map[string]string
	order     []string
}

// NewMemoryTracker returns a tracker bounded to limit ids. Zero means unbounded.
func NewMemoryTracker(limit int) *MemoryTracker {
	return &MemoryTracker{limit: limit, processed: make(map[string]string)}
}

func (m *MemoryTracker) AlreadyProcessed(id string) bool {
	if id == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[id]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(id, outcome string) error {
	m.add(id, outcome)
	return nil
}

// add reports whether id was new.
func (m *MemoryTracker) add(id, outcome string) bool {
	if id == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processed[id]; exists {
		m.processed[id] = outcome
		return false
	}
	m.processed[id] = outcome
	m.order = append(m.order, id)
	m.evictLocked()
	return true
}

func (m *MemoryTracker) evictLocked() {
	if m.limit <= 0 || len(m.order) <= m.limit {
		return
	}
	drop := len(m.order) - m.limit
	for _, id := range m.order[:drop] {
		delete(m.processed, id)
	}
	m.order = append(m.order[:0:0], m.order[drop:]...)
}

func (m *MemoryTracker) entries() []entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, entry{id: id, outcome: m.processed[id]})
	}
	return out
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

func (m *MemoryTracker) Close() error { return nil }

// FileTracker persists processed ids as JSON lines so future runs can skip them.
type FileTracker struct {
	*MemoryTracker
	path      string
	persist   bool
	autoFlush bool
	writer    *bufio.Writer
	file      *os.File
	writeMu   sync.Mutex
}

type fileRecord struct {
	ID          string    `json:"id"`
	Outcome     string    `json:"outcome,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// FileOptions configures a FileTracker.
type FileOptions struct {
	// Persist appends new ids to the state file. Without it the file is only read.
	Persist bool
	// AutoFlush flushes every record to disk as it is written.
	AutoFlush bool
	Limit     int
}

func NewFileTracker(stateDir string, opts FileOptions) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(opts.Limit),
		path:          filepath.Join(stateDir, "processed.jsonl"),
		persist:       opts.Persist,
		autoFlush:     opts.AutoFlush,
	}

	lines, err := tracker.load()
	if err != nil {
		return nil, err
	}

	if opts.Persist {
		if opts.Limit > 0 && lines > opts.Limit {
			if err := tracker.compact(); err != nil {
				return nil, err
			}
		}
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024) // 64KB buffer
	}

	return tracker, nil
}

// Path returns the state file location.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() (int, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	lines := 0
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return 0, fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.ID == "" {
			continue
		}
		lines++
		f.add(record.ID, record.Outcome)
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read state file: %w", err)
	}

	return lines, nil
}

// compact rewrites the state file with only the remembered ids.
func (f *FileTracker) compact() error {
	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create compacted state file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	now := time.Now().UTC()
	for _, e := range f.entries() {
		if err := enc.Encode(fileRecord{ID: e.id, Outcome: e.outcome, ProcessedAt: now}); err != nil {
			file.Close()
			return fmt.Errorf("encode state record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush compacted state file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close compacted state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileTracker) MarkProcessed(id, outcome string) error {
	if !f.add(id, outcome) || !f.persist {
		return nil
	}

	record := fileRecord{ID: id, Outcome: outcome, ProcessedAt: time.Now().UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if f.autoFlush {
		if err := f.writer.Flush(); err != nil {
			return fmt.Errorf("flush state file: %w", err)
		}
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
