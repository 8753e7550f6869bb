package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/coretypes"
)

var (
	bucketCheckpoints = []byte("checkpoints")
	bucketIndex       = []byte("checkpoint_index")
)

// record is what's actually stored per handle: the opaque snapshot
// bytes plus the write timestamp, matching spec §6's persisted layout.
type record struct {
	Timestamp time.Time `json:"timestamp"`
	Snapshot  []byte    `json:"snapshot"`
}

// BoltStore is the durable checkpoint backend. One bucket holds the
// records keyed by handle; a sidecar index bucket tracks a write
// generation per handle so a batch of writes can be flushed together.
// Grounded in persistence.go's WorkflowStore (bucket layout, warmCache
// on startup) with NoSync writes fsync'd in batches instead of per
// transaction.
type BoltStore struct {
	db              *bbolt.DB
	mu              sync.RWMutex
	hot             map[coretypes.TaskHandle][]byte // warmed at startup
	maxSnapshotSize int

	flushEvery    int
	flushInterval time.Duration
	writesSince   int
	stopCh        chan struct{}
	wg            sync.WaitGroup

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
	flushes      metric.Int64Counter
}

// BoltStoreOptions configures the durable checkpoint backend.
type BoltStoreOptions struct {
	Path            string
	MaxSnapshotSize int // bytes; <=0 means 1 MiB default per spec §6
	FlushEvery      int // fsync after this many writes; <=0 means every write
	FlushInterval   time.Duration
}

// NewBoltStore opens (or creates) the durable store at opts.Path and
// replays its checkpoint records into a hot in-memory cache before returning,
// mirroring warmCache() in persistence.go.
func NewBoltStore(opts BoltStoreOptions, meter metric.Meter) (*BoltStore, error) {
	if opts.MaxSnapshotSize <= 0 {
		opts.MaxSnapshotSize = 1 << 20 // 1 MiB, spec §6 default
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 1
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}

	db, err := bbolt.Open(opts.Path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  opts.FlushEvery > 1, // batch fsync only when batching was asked for
	})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCheckpoints, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("taskcore_checkpoint_write_ms")
	readLatency, _ := meter.Float64Histogram("taskcore_checkpoint_read_ms")
	flushes, _ := meter.Int64Counter("taskcore_checkpoint_flush_total")

	s := &BoltStore{
		db:              db,
		hot:             make(map[coretypes.TaskHandle][]byte),
		maxSnapshotSize: opts.MaxSnapshotSize,
		flushEvery:      opts.FlushEvery,
		flushInterval:   opts.FlushInterval,
		stopCh:          make(chan struct{}),
		writeLatency:    writeLatency,
		readLatency:     readLatency,
		flushes:         flushes,
	}

	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm checkpoint cache: %w", err)
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

func (s *BoltStore) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCheckpoints)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt entries, don't fail startup
			}
			s.hot[coretypes.TaskHandle(k)] = rec.Snapshot
			return nil
		})
	})
}

func (s *BoltStore) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if s.writesSince > 0 {
				_ = s.db.Sync()
				s.flushes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("trigger", "interval")))
				s.writesSince = 0
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *BoltStore) Put(ctx context.Context, handle coretypes.TaskHandle, snapshot []byte) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("backend", "bolt")))
	}()

	if len(snapshot) > s.maxSnapshotSize {
		return corefail.ErrSnapshotTooLarge
	}

	rec := record{Timestamp: time.Now(), Snapshot: snapshot}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketCheckpoints).Put([]byte(handle), data); err != nil {
			return err
		}
		gen := fmt.Sprintf("%d", time.Now().UnixNano())
		return tx.Bucket(bucketIndex).Put([]byte(handle), []byte(gen))
	})
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	s.hot[handle] = cp

	s.writesSince++
	if s.writesSince >= s.flushEvery {
		_ = s.db.Sync()
		s.flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", "batch")))
		s.writesSince = 0
	}

	return nil
}

func (s *BoltStore) Get(ctx context.Context, handle coretypes.TaskHandle) ([]byte, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("backend", "bolt")))
	}()

	s.mu.RLock()
	if snap, ok := s.hot[handle]; ok {
		s.mu.RUnlock()
		cp := make([]byte, len(snap))
		copy(cp, snap)
		return cp, true, nil
	}
	s.mu.RUnlock()

	var rec record
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(handle))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return rec.Snapshot, true, nil
}

func (s *BoltStore) Delete(ctx context.Context, handle coretypes.TaskHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.hot, handle)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketCheckpoints).Delete([]byte(handle)); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Delete([]byte(handle))
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so other components (the Pattern
// Processor's cron scheduler) can persist their own state in sibling
// buckets of the same file, mirroring persistence.go's WorkflowStore
// sharing one bbolt.DB across schedules and executions.
func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

func (s *BoltStore) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.db.Sync()
	return s.db.Close()
}
