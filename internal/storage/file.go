package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const optionsFileName = "options.json"

// FileStore keeps the option record as a JSON document on disk.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates a FileStore and ensures the directory exists.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("option store: mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path() string {
	return filepath.Join(s.dir, optionsFileName)
}

// LoadOptions reads the record, returning ErrNotFound on first run.
func (s *FileStore) LoadOptions(ctx context.Context) (Options, error) {
	if err := ctx.Err(); err != nil {
		return Options{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return Options{}, ErrNotFound
		}
		return Options{}, fmt.Errorf("option store: read: %w", err)
	}

	var opts Options
	if err := json.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("option store: unmarshal: %w", err)
	}
	if opts.AllowedDomains == nil {
		opts.AllowedDomains = []string{}
	}
	return opts, nil
}

// SaveOptions replaces the record. The write goes through a temp file and a
// rename so a crash never leaves a truncated document behind.
func (s *FileStore) SaveOptions(ctx context.Context, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.AllowedDomains == nil {
		opts.AllowedDomains = []string{}
	}

	data, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return fmt.Errorf("option store: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, optionsFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("option store: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		s.removeTemp(tmpName)
		return fmt.Errorf("option store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.removeTemp(tmpName)
		return fmt.Errorf("option store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path()); err != nil {
		s.removeTemp(tmpName)
		return fmt.Errorf("option store: rename: %w", err)
	}
	return nil
}

func (s *FileStore) removeTemp(name string) {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		slog.Debug("Failed to remove temp options file", "path", name, "error", err)
	}
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }
