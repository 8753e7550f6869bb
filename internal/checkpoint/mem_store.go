package checkpoint

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/coretypes"
)

// MemStore is the ephemeral, default checkpoint backend: an
// RWMutex-guarded map, lost on process restart. Grounded in
// WorkflowStore's memCache pattern.
type MemStore struct {
	mu              sync.RWMutex
	entries         map[coretypes.TaskHandle][]byte
	maxSnapshotSize int

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
}

// NewMemStore creates an in-memory checkpoint store. maxSnapshotSize <= 0
// means unbounded.
func NewMemStore(meter metric.Meter, maxSnapshotSize int) *MemStore {
	writeLatency, _ := meter.Float64Histogram("taskcore_checkpoint_write_ms")
	readLatency, _ := meter.Float64Histogram("taskcore_checkpoint_read_ms")

	return &MemStore{
		entries:         make(map[coretypes.TaskHandle][]byte),
		maxSnapshotSize: maxSnapshotSize,
		writeLatency:    writeLatency,
		readLatency:     readLatency,
	}
}

func (m *MemStore) Put(ctx context.Context, handle coretypes.TaskHandle, snapshot []byte) error {
	start := time.Now()
	defer func() {
		m.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("backend", "mem")))
	}()

	if m.maxSnapshotSize > 0 && len(snapshot) > m.maxSnapshotSize {
		return corefail.ErrSnapshotTooLarge
	}

	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)

	m.mu.Lock()
	m.entries[handle] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Get(ctx context.Context, handle coretypes.TaskHandle) ([]byte, bool, error) {
	start := time.Now()
	defer func() {
		m.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("backend", "mem")))
	}()

	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.entries[handle]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(snap))
	copy(cp, snap)
	return cp, true, nil
}

func (m *MemStore) Delete(ctx context.Context, handle coretypes.TaskHandle) error {
	m.mu.Lock()
	delete(m.entries, handle)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Close() error { return nil }
