package repository

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("repository: not found")
	// ErrAlreadyExists is returned when creating a key that already holds a record.
	ErrAlreadyExists = errors.New("repository: already exists")
	// ErrConflict is returned when a write was based on a stale revision.
	ErrConflict = errors.New("repository: revision conflict")
)

// KV is the keyed storage engine behind SessionStore. Every record carries a
// revision that increases on each write; Update only succeeds when the caller
// presents the current revision.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}
