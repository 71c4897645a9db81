// Package storage persists the agent's option record. Exactly one record is
// kept; its absence signals a first run.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by LoadOptions when no record has been written yet.
var ErrNotFound = errors.New("storage: options record not found")

// Options is the persisted projection of the authorization state.
// AllowedDomains is serialized as a sequence but is semantically a set.
type Options struct {
	AllowedDomains   []string `json:"allowedDomains"`
	ExtensionEnabled bool     `json:"extensionEnabled"`
}

// DefaultOptions is the record written on first run.
func DefaultOptions() Options {
	return Options{AllowedDomains: []string{}, ExtensionEnabled: true}
}

// OptionStore is the persistence boundary for Options.
type OptionStore interface {
	LoadOptions(ctx context.Context) (Options, error)
	SaveOptions(ctx context.Context, opts Options) error
	Close() error
}

// Open returns the store selected by kind ("file" or "sqlite") rooted at path.
// For "file" path is a directory; for "sqlite" it is the database file.
func Open(kind, path string) (OptionStore, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "file", "json":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("storage: unknown store kind %q", kind)
	}
}
