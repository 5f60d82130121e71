package livesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// defaultStorageLockTimeout bounds how long an on-disk driver waits for a
// file lock held by another process.
const defaultStorageLockTimeout = 5 * time.Second

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	namespace TEXT    NOT NULL,
	position  INTEGER NOT NULL,
	payload   TEXT    NOT NULL,
	PRIMARY KEY (namespace, position)
);`

// SQLiteStorage implements Storage on a SQLite database. Each entry is one
// row ordered by its position in the namespace.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) a SQLite database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: storage path is required", ErrInvalidConfig)
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(cleanPath), err)
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cleanPath, defaultStorageLockTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Get(ctx context.Context, namespace string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM entries WHERE namespace = ? ORDER BY position`, namespace)
	if err != nil {
		return nil, ErrStorage(namespace, err)
	}
	defer rows.Close()

	var entries []json.RawMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, ErrStorage(namespace, err)
		}
		entries = append(entries, json.RawMessage(payload))
	}
	if err := rows.Err(); err != nil {
		return nil, ErrStorage(namespace, err)
	}
	return entries, nil
}

// Set replaces the entries of namespace in one transaction.
func (s *SQLiteStorage) Set(ctx context.Context, namespace string, entries []json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ErrStorage(namespace, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE namespace = ?`, namespace); err != nil {
		return ErrStorage(namespace, err)
	}
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (namespace, position, payload) VALUES (?, ?, ?)`,
			namespace, i, string(e)); err != nil {
			return ErrStorage(namespace, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ErrStorage(namespace, err)
	}
	return nil
}

func (s *SQLiteStorage) Namespaces(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT namespace FROM entries WHERE instr(namespace, ?) = 1 ORDER BY namespace`, prefix)
	if err != nil {
		return nil, ErrStorage(prefix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, ErrStorage(prefix, err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// Close releases the SQLite connection.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenStorage opens the storage driver named by driver ("memory", "bolt" or
// "sqlite") at path.
func OpenStorage(driver, path string) (Storage, error) {
	switch driver {
	case "", "bolt":
		return NewBoltStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, driver)
	}
}
