package object

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no object exists for the given id.
var ErrNotFound = errors.New("object: not found")

// Store is the broker's view of the object store (component B): a mapping
// of object-id to ActionObject with a resolved flag and optional nested
// payload. The broker only reads and, via the admission filter, may
// rewrite an object to a flattened form.
type Store interface {
	// Get fetches the object by id. Credentials are the caller's
	// owner_key/root_key; MemoryStore and BadgerStore do not check them.
	Get(ctx context.Context, credentials []byte, id string) (ActionObject, error)
	// Set persists a rewritten object under its existing id.
	Set(ctx context.Context, credentials []byte, obj ActionObject) error
}
