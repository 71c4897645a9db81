package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	optionsKey = "options"

	sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (unixepoch())
)`
)

// SQLiteStore keeps the option record as a JSON value in a key/value table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path with WAL journaling
// and a busy timeout, then applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("option store: mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("option store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("option store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("option store: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// LoadOptions reads the record, returning ErrNotFound on first run.
func (s *SQLiteStore) LoadOptions(ctx context.Context) (Options, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, optionsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Options{}, ErrNotFound
	}
	if err != nil {
		return Options{}, fmt.Errorf("option store: select: %w", err)
	}

	var opts Options
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return Options{}, fmt.Errorf("option store: unmarshal: %w", err)
	}
	if opts.AllowedDomains == nil {
		opts.AllowedDomains = []string{}
	}
	return opts, nil
}

// SaveOptions upserts the record.
func (s *SQLiteStore) SaveOptions(ctx context.Context, opts Options) error {
	if opts.AllowedDomains == nil {
		opts.AllowedDomains = []string{}
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("option store: marshal: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		optionsKey, string(data))
	if err != nil {
		return fmt.Errorf("option store: upsert: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
