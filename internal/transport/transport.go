// Package transport implements the inter-node RPC surface of spec §6:
// remote_start_worker, remote_cancel, remote_lifecycle_subscribe, and
// remote_heartbeat. Two implementations share the NodeTransport
// interface: LocalTransport (direct in-process calls, used for
// single-process multi-node simulation) and GRPCTransport (a real
// network service, grounded in federation/main.go's grpc.NewServer()
// listener pattern).
package transport

import (
	"context"

	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/supervisor"
)

// NodeTransport is how the Task Distributor and Task Recovery Monitor
// reach a Worker Supervisor that may live on another node.
type NodeTransport interface {
	// StartWorker is remote_start_worker: dispatch (handle, fn_id,
	// input, attempt[, checkpoint]) to node's Worker Supervisor.
	StartWorker(ctx context.Context, node coretypes.NodeID, handle coretypes.TaskHandle, fnID coretypes.FnID, input, checkpoint []byte, attempt int) (coretypes.WorkerID, error)

	// Cancel is remote_cancel.
	Cancel(ctx context.Context, node coretypes.NodeID, workerID coretypes.WorkerID) error

	// SubscribeLifecycle is remote_lifecycle_subscribe: returns a
	// channel of lifecycle events observed on node.
	SubscribeLifecycle(ctx context.Context, node coretypes.NodeID) (<-chan supervisor.LifecycleEvent, error)

	// Heartbeat is remote_heartbeat.
	Heartbeat(ctx context.Context, node coretypes.NodeID) error
}
