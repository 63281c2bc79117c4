// Package storage provides the small key-value store the cleaner persists its
// snapshots in (process stats, removed list, cached selector map).
package storage

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound     = errors.New("storage: key not found")
	ErrInvalidInput = errors.New("storage: invalid input")
)

// Store is a durable key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open selects a backend by name: "file" (default), "sqlite" or "memory".
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "file":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.Wrapf(ErrInvalidInput, "unknown storage backend %q", backend)
	}
}
