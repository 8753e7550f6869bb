// Package coretypes holds the identifiers shared across every taskcore
// component: nodes, tasks, workers, and registered functions.
package coretypes

import "github.com/google/uuid"

// NodeID is an opaque, cluster-unique identifier for a cluster member.
type NodeID string

// TaskHandle is the opaque reference callers use to query or cancel a
// submitted task. Minted once at submission by the Task Distributor.
type TaskHandle string

// WorkerID is the opaque reference to a single live attempt of a task.
type WorkerID string

// FnID names a function registered in the Function Registry.
type FnID string

// NewTaskHandle mints a fresh, cluster-unique task handle.
func NewTaskHandle() TaskHandle {
	return TaskHandle(uuid.NewString())
}

// NewWorkerID mints a fresh worker identifier.
func NewWorkerID() WorkerID {
	return WorkerID(uuid.NewString())
}

// NodeIdentity pairs a NodeID with an optional human-readable label
// (e.g. "worker-3@10.0.0.12") used only for logging and debug surfaces.
type NodeIdentity struct {
	ID    NodeID
	Label string
}

func (n NodeIdentity) String() string {
	if n.Label == "" {
		return string(n.ID)
	}
	return n.Label
}
