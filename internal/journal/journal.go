// Package journal records every repair attempt in a SQLite database so the
// operator can review what was changed, when, and why.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ape/internal/logging"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// ErrNotFound means no entry has the requested ID.
var ErrNotFound = errors.New("journal entry not found")

// Entry is one repair attempt.
type Entry struct {
	ID        string
	Function  string
	Attempt   int
	Mode      string
	Outcome   string // hot-swapped, source-patched, suggested, failed
	Reason    string
	Error     string // the managed function's failure
	File      string
	Backup    string
	Candidate string
	Duration  time.Duration
	CreatedAt time.Time
	Details   map[string]string
}

// Store is the repair journal.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	driver string
}

// Open creates or opens the journal at path using driver.
func Open(path, driver string) (*Store, error) {
	if driver == "" {
		driver = DriverCGO
	}
	var dsn string
	switch driver {
	case DriverCGO:
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case DriverPure:
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unknown journal driver %q", driver)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: path, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.JournalDebug("journal opened at %s (%s)", path, driver)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repairs (
		id TEXT PRIMARY KEY,
		function TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		mode TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		error TEXT,
		file TEXT,
		backup TEXT,
		candidate TEXT,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		details_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_repairs_function ON repairs(function);
	CREATE INDEX IF NOT EXISTS idx_repairs_created ON repairs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores e, assigning an ID and timestamp when missing.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	details, err := encodeDetails(e.Details)
	if err != nil {
		return fmt.Errorf("failed to record repair %s: %w", e.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repairs (id, function, attempt, mode, outcome, reason, error,
			file, backup, candidate, duration_ms, created_at, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Function, e.Attempt, e.Mode, e.Outcome, e.Reason, e.Error,
		e.File, e.Backup, e.Candidate, e.Duration.Milliseconds(), e.CreatedAt.UnixNano(), details)
	if err != nil {
		return fmt.Errorf("failed to record repair: %w", err)
	}
	logging.JournalDebug("recorded %s attempt %d for %s: %s", e.ID, e.Attempt, e.Function, e.Outcome)
	return nil
}

// Recent returns the newest entries first. limit <= 0 means all.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.query(ctx, `SELECT `+columns+` FROM repairs ORDER BY created_at DESC, rowid DESC LIMIT ?`, normalizeLimit(limit))
}

// ForFunction returns the entries for one function, newest first.
func (s *Store) ForFunction(ctx context.Context, name string, limit int) ([]Entry, error) {
	return s.query(ctx, `SELECT `+columns+` FROM repairs WHERE function = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, name, normalizeLimit(limit))
}

// Get returns the entry with the given ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	entries, err := s.query(ctx, `SELECT `+columns+` FROM repairs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &entries[0], nil
}

// Count returns the number of recorded attempts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM repairs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count repairs: %w", err)
	}
	return n, nil
}

// encodeDetails stores an empty map as NULL.
func encodeDetails(details map[string]string) (sql.NullString, error) {
	if len(details) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode details: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const columns = `id, function, attempt, mode, outcome, reason, error, file, backup,
	candidate, duration_ms, created_at, details_json`

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query repairs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var reason, errText, file, backup, candidate, details sql.NullString
		var durationMS, created int64
		if err := rows.Scan(&e.ID, &e.Function, &e.Attempt, &e.Mode, &e.Outcome, &reason, &errText,
			&file, &backup, &candidate, &durationMS, &created, &details); err != nil {
			return nil, fmt.Errorf("failed to scan repair: %w", err)
		}
		e.Reason = reason.String
		e.Error = errText.String
		e.File = file.String
		e.Backup = backup.String
		e.Candidate = candidate.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.CreatedAt = time.Unix(0, created)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				logging.JournalWarn("entry %s has unreadable details: %v", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
