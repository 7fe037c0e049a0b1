// Package registry stores session descriptors between creation and the first
// live-channel open. Entries expire after a time-to-live; expiry is advisory
// cleanup only, the engine remains the authoritative destroyer of workspaces.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

var (
	// ErrNotFound is returned by Get when no live entry exists for an id.
	ErrNotFound = errors.New("session not found in registry")

	// ErrUnavailable wraps every backend failure. It is never reported as
	// ErrNotFound.
	ErrUnavailable = errors.New("session registry unavailable")
)

// Registry is a keyed store of session descriptors with per-entry expiry.
// Implementations are safe for concurrent use by unrelated sessions.
type Registry interface {
	// Put stores d, starting or resetting its expiry.
	Put(ctx context.Context, d *model.Descriptor, ttl time.Duration) error

	// Get returns the descriptor stored under id, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Descriptor, error)

	// Delete removes id. Deleting a missing key is not an error.
	Delete(ctx context.Context, id string) error
}

// Purger is implemented by backends that keep expired entries around until
// they are explicitly purged.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}
