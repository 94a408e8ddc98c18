// Package worker models the persisted half of worker liveness (component
// C): a mapping of worker-id to consumer state and deletion flags. The
// in-memory Worker/Service bookkeeping that the broker itself owns lives
// in package broker; this package is only the external registry the
// broker consults and updates.
package worker

import "context"

// ConsumerState is the persisted lifecycle value of a registered worker.
type ConsumerState string

// The three consumer states a worker can be in.
const (
	ConsumerIdle      ConsumerState = "IDLE"
	ConsumerConsuming ConsumerState = "CONSUMING"
	ConsumerDetached  ConsumerState = "DETACHED"
)

// Flags are the out-of-band signals the registry can raise about a worker,
// consulted during purge.
type Flags struct {
	ToBeDeleted bool
}

// Record is the registry's view of one worker.
type Record struct {
	ID    string
	State ConsumerState
	Flags Flags
}

// Registry is the broker's view of the worker registry (component C).
// Errors from UpdateConsumerState are logged by the caller and never
// block the broker loop.
type Registry interface {
	// GetByID returns the worker's record, or (nil, nil) if the id is
	// unknown to the registry.
	GetByID(ctx context.Context, id string) (*Record, error)
	// UpdateConsumerState is called on each state transition of the
	// corresponding in-memory Worker.
	UpdateConsumerState(ctx context.Context, id string, state ConsumerState) error
	// GetFlags is consulted during purge.
	GetFlags(ctx context.Context, id string) (Flags, error)
}
