// Package store persists small UTF-8 values by key: social watermarks,
// good-morning dates, trading-state blobs and the scheduler queue.
// Backends: one file per key, SQLite, or Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidKey is returned for empty keys or keys that escape the namespace.
var ErrInvalidKey = errors.New("store: invalid key")

// Store is a string key-value store. Keys use "/" as a namespace separator.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "file" (default), "sqlite" or "postgres".
	Backend string `yaml:"backend"`
	// Path is the directory for "file" and the database file for "sqlite".
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		return NewFileStore(cfg.Path)
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg.Path)
	case "postgres", "postgresql", "pg":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

// GetString returns the value for key, or def when it is missing.
func GetString(ctx context.Context, s Store, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return v, err
}

// GetJSON decodes the value for key into out. A missing key leaves out
// untouched and reports found=false.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, string(data))
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
