// Package checkpoint implements the Checkpoint Store: a write-through
// map from task handle to the most recent snapshot a worker reported,
// in ephemeral (in-memory) or durable (BoltDB-backed) form.
package checkpoint

import (
	"context"

	"github.com/swarmguard/taskcore/internal/coretypes"
)

// Store is implemented by MemStore (ephemeral) and BoltStore (durable).
// Contents are opaque to the store; it never interprets snapshot bytes.
type Store interface {
	// Put writes through, overwriting any previous snapshot for handle.
	// Returns corefail.ErrSnapshotTooLarge if snapshot exceeds the
	// configured byte bound.
	Put(ctx context.Context, handle coretypes.TaskHandle, snapshot []byte) error

	// Get returns (snapshot, true, nil) or (nil, false, nil) if absent.
	Get(ctx context.Context, handle coretypes.TaskHandle) ([]byte, bool, error)

	// Delete removes the entry for handle, if any. Not an error if absent.
	Delete(ctx context.Context, handle coretypes.TaskHandle) error

	Close() error
}
