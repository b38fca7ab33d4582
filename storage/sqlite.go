package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLite is a durable file-backed Backend, the localStorage equivalent for
// native and CLI applications: values survive process restarts. A single
// kv table keeps the implementation honest with the Backend contract; every
// Set is committed before returning.
type SQLite struct {
	db *sql.DB
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) a sqlite-backed store at path and
// applies the schema. Close must be called to release the handle.
func OpenSQLite(path string) (*SQLite, error) {
	const op = "storage.OpenSQLite"
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%s: storage path is required", op)
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open sqlite db: %w", op, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping sqlite db: %w", op, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: apply schema: %w", op, err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Get implements Backend.
func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	const op = "storage.SQLite.Get"
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrKeyNotFound
	case err != nil:
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

// Set implements Backend.
func (s *SQLite) Set(ctx context.Context, key string, value string) error {
	const op = "storage.SQLite.Set"
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Remove implements Backend.
func (s *SQLite) Remove(ctx context.Context, key string) error {
	const op = "storage.SQLite.Remove"
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClearPrefix implements Backend.
func (s *SQLite) ClearPrefix(ctx context.Context, prefix string) error {
	const op = "storage.SQLite.ClearPrefix"
	if prefix == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
	// ESCAPE so user-supplied prefixes containing % or _ match literally.
	like := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix) + "%"
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE ? ESCAPE '\'`, like); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
