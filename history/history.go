// Package history records compile and run outcomes in a local SQLite
// database so the CLI can show what a project has been doing.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("pohlang.history")

// ErrNoHistory indicates the store has no records yet.
var ErrNoHistory = errors.New("no history recorded")

// Record is one compile or run event.
type Record struct {
	ID           int64
	File         string
	Kind         string // "compile" or "run"
	Outcome      string // "ok" or a one-line error summary
	Duration     time.Duration
	Instructions uint64
	RanAt        time.Time
}

// String renders the record as one report line.
func (r Record) String() string {
	return fmt.Sprintf("%s  %-7s  %-24s  %-10s  %s  %d instructions",
		r.RanAt.Local().Format("2006-01-02 15:04:05"),
		r.Kind, r.File, r.Outcome, r.Duration, r.Instructions)
}

// Store persists records in SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates the database (and its parent directory) if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Create table if needed
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file TEXT NOT NULL,
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		duration_us INTEGER NOT NULL,
		instructions INTEGER NOT NULL,
		ran_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Append stores one record.
func (s *Store) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	when := r.RanAt
	if when.IsZero() {
		when = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (file, kind, outcome, duration_us, instructions, ran_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.File, r.Kind, r.Outcome, r.Duration.Microseconds(),
		int64(r.Instructions), when.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	log.Debugf("recorded %s %s: %s", r.Kind, r.File, r.Outcome)
	return nil
}

// Recent returns the newest records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT id, file, kind, outcome, duration_us, instructions, ran_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r      Record
			us     int64
			instrs int64
			ranAt  string
		)
		if err := rows.Scan(&r.ID, &r.File, &r.Kind, &r.Outcome, &us, &instrs, &ranAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Duration = time.Duration(us) * time.Microsecond
		r.Instructions = uint64(instrs)
		if t, err := time.Parse(time.RFC3339Nano, ranAt); err == nil {
			r.RanAt = t
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading runs: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoHistory
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}
	return n, nil
}

// Clear deletes all records.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM runs`); err != nil {
		return fmt.Errorf("clearing runs: %w", err)
	}
	return nil
}
