// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, applies pragmas and bootstraps the schema

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS owners (
			id                  TEXT PRIMARY KEY,
			email               TEXT NOT NULL DEFAULT '',
			max_response_tokens INTEGER NOT NULL DEFAULT 0,
			advisor_handoff     INTEGER NOT NULL DEFAULT 0,
			advisor_email       TEXT NOT NULL DEFAULT '',
			credits_used        INTEGER NOT NULL DEFAULT 0,
			created_at          TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS numbers (
			id                 TEXT PRIMARY KEY,
			owner_id           TEXT NOT NULL,
			display_name       TEXT NOT NULL DEFAULT '',
			ai_enabled         INTEGER NOT NULL DEFAULT 0,
			ai_unknown_enabled INTEGER NOT NULL DEFAULT 0,
			response_groups    INTEGER NOT NULL DEFAULT 0,
			ai_prompt          TEXT NOT NULL DEFAULT '',
			ai_model           TEXT NOT NULL DEFAULT '',
			created_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_numbers_owner ON numbers(owner_id);

		CREATE TABLE IF NOT EXISTS synced_parties (
			number_id     TEXT NOT NULL REFERENCES numbers(id) ON DELETE CASCADE,
			external_id   TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			kind          TEXT NOT NULL,
			agent_enabled INTEGER NOT NULL DEFAULT 1,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			PRIMARY KEY (number_id, external_id),
			CHECK (kind IN ('contact', 'group'))
		);

		CREATE TABLE IF NOT EXISTS unsynced_parties (
			number_id            TEXT NOT NULL REFERENCES numbers(id) ON DELETE CASCADE,
			external_id          TEXT NOT NULL,
			agent_enabled        INTEGER NOT NULL DEFAULT 1,
			last_message_preview TEXT NOT NULL DEFAULT '',
			last_message_at      TEXT,
			created_at           TEXT NOT NULL,

			PRIMARY KEY (number_id, external_id)
		);

		CREATE TABLE IF NOT EXISTS credit_usage (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			number_id  TEXT NOT NULL,
			amount     INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_credit_usage_owner ON credit_usage(owner_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatTime renders a timestamp the way every table stores it.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a stored timestamp, labelling the column on failure.
func parseTime(column, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", column, err)
	}
	return t, nil
}

// parseNullTime parses an optional timestamp column.
func parseNullTime(column string, value sql.NullString) (time.Time, error) {
	if !value.Valid || value.String == "" {
		return time.Time{}, nil
	}
	return parseTime(column, value.String)
}

// formatNullTime stores the zero time as NULL.
func formatNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
