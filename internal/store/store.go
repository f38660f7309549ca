// Package store persists rendered messages and hands back re-readable
// handles on them.
package store

import (
	"context"
	"errors"

	"github.com/shineum/smtp-outbox/internal/email"
)

// ErrNotFound is returned when a handle outlives the stored object.
var ErrNotFound = errors.New("store: message not found")

// Store is the message store consumed by the message builder.
type Store interface {
	// Put stores data under key and returns a handle on it. The store
	// keeps its own copy; callers may reuse data afterwards.
	Put(ctx context.Context, key string, data []byte) (email.Source, error)
	// Delete removes the object stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error
}
