package state

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteTracker keeps processed ids in a SQLite database.
type SQLiteTracker struct {
	db    *sql.DB
	limit int
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, limit int) (*SQLiteTracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// One connection keeps in-memory databases coherent across calls.
	db.SetMaxOpenConns(1)

	t := &SQLiteTracker{db: db, limit: limit}
	if err := t.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}
	return t, nil
}

func (t *SQLiteTracker) migrate() error {
	_, err := t.db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			outcome TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMP NOT NULL
		);
	`)
	return err
}

func (t *SQLiteTracker) AlreadyProcessed(id string) bool {
	if id == "" {
		return false
	}
	var count int
	err := t.db.QueryRow(`SELECT COUNT(*) FROM processed_messages WHERE id = ?`, id).Scan(&count)
	if err != nil {
		slog.Warn("state lookup failed", "id", id, "error", err)
		return false
	}
	return count > 0
}

func (t *SQLiteTracker) MarkProcessed(id, outcome string) error {
	if id == "" {
		return nil
	}
	res, err := t.db.Exec(
		`INSERT OR IGNORE INTO processed_messages (id, outcome, processed_at) VALUES (?, ?, ?)`,
		id, outcome, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert processed message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 || t.limit <= 0 {
		return nil
	}
	_, err = t.db.Exec(
		`DELETE FROM processed_messages WHERE seq <= (SELECT MAX(seq) FROM processed_messages) - ?`,
		t.limit,
	)
	if err != nil {
		return fmt.Errorf("prune processed messages: %w", err)
	}
	return nil
}

func (t *SQLiteTracker) Snapshot() Snapshot {
	var count int
	if err := t.db.QueryRow(`SELECT COUNT(*) FROM processed_messages`).Scan(&count); err != nil {
		slog.Warn("state count failed", "error", err)
	}
	return Snapshot{Processed: count}
}

func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
