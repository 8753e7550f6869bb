package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/supervisor"
)

// LocalTransport calls straight into the addressed node's in-process
// Supervisor, used for single-process multi-node simulation (the test
// suites register two nodes this way) and as the default when a
// cluster runs on one node.
type LocalTransport struct {
	mu   sync.RWMutex
	sups map[coretypes.NodeID]*supervisor.Supervisor
}

// NewLocalTransport returns an empty LocalTransport; register each
// simulated node's Supervisor with Register before dispatching to it.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{sups: make(map[coretypes.NodeID]*supervisor.Supervisor)}
}

// Register binds node to the Supervisor that owns its workers.
func (l *LocalTransport) Register(node coretypes.NodeID, sup *supervisor.Supervisor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sups[node] = sup
}

func (l *LocalTransport) lookup(node coretypes.NodeID) (*supervisor.Supervisor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sup, ok := l.sups[node]
	if !ok {
		return nil, fmt.Errorf("local transport: %w: %s", corefail.ErrNoSuchNode, node)
	}
	return sup, nil
}

func (l *LocalTransport) StartWorker(ctx context.Context, node coretypes.NodeID, handle coretypes.TaskHandle, fnID coretypes.FnID, input, checkpoint []byte, attempt int) (coretypes.WorkerID, error) {
	sup, err := l.lookup(node)
	if err != nil {
		return "", err
	}
	return sup.StartWorker(ctx, handle, fnID, input, checkpoint, attempt)
}

func (l *LocalTransport) Cancel(ctx context.Context, node coretypes.NodeID, workerID coretypes.WorkerID) error {
	sup, err := l.lookup(node)
	if err != nil {
		return err
	}
	return sup.StopWorker(ctx, workerID)
}

func (l *LocalTransport) SubscribeLifecycle(ctx context.Context, node coretypes.NodeID) (<-chan supervisor.LifecycleEvent, error) {
	sup, err := l.lookup(node)
	if err != nil {
		return nil, err
	}
	return sup.SubscribeLifecycle(64), nil
}

func (l *LocalTransport) Heartbeat(ctx context.Context, node coretypes.NodeID) error {
	if _, err := l.lookup(node); err != nil {
		return err
	}
	return nil
}
