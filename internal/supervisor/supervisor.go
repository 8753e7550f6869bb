// Package supervisor implements the Worker Supervisor: it owns every
// live worker on one simulated cluster node, guarantees exactly one
// terminal lifecycle event per started worker (even on panic or forced
// kill), and reports those events to local subscribers (the Task
// Recovery Monitor, in-process) and over NATS for cross-node
// observability. Grounded in dag_engine.go's executeTask panic-safe
// wrapper and cancellation.go's CancellationManager, per spec §4.2 and
// SPEC_FULL §3.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/corelib/natsctx"
	"github.com/swarmguard/taskcore/internal/corelib/resilience"
	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/registry"
)

// ExitReason classifies a worker's terminal event.
type ExitReason string

const (
	ExitNormal   ExitReason = "normal"
	ExitAbnormal ExitReason = "abnormal"
)

// LifecycleKind is the stage a LifecycleEvent reports.
type LifecycleKind string

const (
	LifecycleStarting LifecycleKind = "starting"
	LifecycleRunning  LifecycleKind = "running"
	LifecycleExited   LifecycleKind = "exited"
)

// LifecycleEvent is delivered to local subscribers (synchronously) and
// published to taskcore.lifecycle.<node> over NATS (asynchronously),
// one per worker state transition, terminating in exactly one Exited.
type LifecycleEvent struct {
	Kind     LifecycleKind
	Node     coretypes.NodeID
	Handle   coretypes.TaskHandle
	WorkerID coretypes.WorkerID
	Attempt  int
	Reason   ExitReason // meaningful when Kind == LifecycleExited
	Cause    string     // e.g. "unknown_function", "panic", "cancelled", "forced"
	Value    []byte     // success output, when Reason == ExitNormal
	At       time.Time
}

type workerRecord struct {
	id       coretypes.WorkerID
	handle   coretypes.TaskHandle
	fnID     coretypes.FnID
	attempt  int
	cancel   context.CancelFunc
	done     chan struct{}
	exitedMu sync.Mutex
	exited   bool
}

// Supervisor owns every live worker on one node.
type Supervisor struct {
	node coretypes.NodeID
	reg  *registry.FunctionRegistry

	mu       sync.Mutex
	workers  map[coretypes.WorkerID]*workerRecord
	byHandle map[handleAttempt]coretypes.WorkerID

	subMu sync.Mutex
	subs  []chan LifecycleEvent

	limiter *resilience.RateLimiter

	shutdownWindow time.Duration

	nc *nats.Conn

	starts, exits, overloaded, panics metric.Int64Counter
	durations                         metric.Float64Histogram
}

type handleAttempt struct {
	handle  coretypes.TaskHandle
	attempt int
}

// Options configures a Supervisor.
type Options struct {
	Node           coretypes.NodeID
	ShutdownWindow time.Duration // default 5s, spec §6 supervisor.shutdown_window_ms
	// Limiter gates StartWorker; nil disables backpressure.
	Limiter *resilience.RateLimiter
	// NATSConn, if set, publishes every lifecycle event to
	// taskcore.lifecycle.<node> for cross-node observers.
	NATSConn *nats.Conn
}

// New builds a Supervisor for one node, backed by the process-wide
// function registry.
func New(opts Options, reg *registry.FunctionRegistry, meter metric.Meter) *Supervisor {
	if opts.ShutdownWindow <= 0 {
		opts.ShutdownWindow = 5 * time.Second
	}
	starts, _ := meter.Int64Counter("taskcore_supervisor_starts_total")
	exits, _ := meter.Int64Counter("taskcore_supervisor_exits_total")
	overloaded, _ := meter.Int64Counter("taskcore_supervisor_overloaded_total")
	panics, _ := meter.Int64Counter("taskcore_supervisor_panics_total")
	durations, _ := meter.Float64Histogram("taskcore_supervisor_worker_duration_ms")

	return &Supervisor{
		node:           opts.Node,
		reg:            reg,
		workers:        make(map[coretypes.WorkerID]*workerRecord),
		byHandle:       make(map[handleAttempt]coretypes.WorkerID),
		limiter:        opts.Limiter,
		shutdownWindow: opts.ShutdownWindow,
		nc:             opts.NATSConn,
		starts:         starts,
		exits:          exits,
		overloaded:     overloaded,
		panics:         panics,
		durations:      durations,
	}
}

// StartWorker spawns a worker for (handle, attempt), resolving fnID
// against the function registry. Idempotent per (handle, attempt): a
// second call returns the existing WorkerID without spawning again.
func (s *Supervisor) StartWorker(ctx context.Context, handle coretypes.TaskHandle, fnID coretypes.FnID, input, checkpoint []byte, attempt int) (coretypes.WorkerID, error) {
	key := handleAttempt{handle, attempt}

	s.mu.Lock()
	if existing, ok := s.byHandle[key]; ok {
		s.mu.Unlock()
		return existing, nil
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.mu.Unlock()
		s.overloaded.Add(ctx, 1, metric.WithAttributes(attribute.String("node", string(s.node))))
		return "", corefail.ErrNodeOverloaded
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	id := coretypes.NewWorkerID()
	rec := &workerRecord{
		id:      id,
		handle:  handle,
		fnID:    fnID,
		attempt: attempt,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.workers[id] = rec
	s.byHandle[key] = id
	s.mu.Unlock()

	s.starts.Add(ctx, 1, metric.WithAttributes(attribute.String("node", string(s.node)), attribute.String("fn", string(fnID))))
	s.emit(LifecycleEvent{Kind: LifecycleStarting, Node: s.node, Handle: handle, WorkerID: id, Attempt: attempt, At: time.Now()})

	go s.run(workerCtx, rec, input, checkpoint)

	return id, nil
}

// run executes one worker attempt, guaranteeing exactly one terminal
// Exited event even on panic, grounded in dag_engine.go's
// executeTask/worker panic-safe wrapper.
func (s *Supervisor) run(ctx context.Context, rec *workerRecord, input, checkpoint []byte) {
	start := time.Now()
	var ev LifecycleEvent

	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(context.Background(), 1, metric.WithAttributes(attribute.String("fn", string(rec.fnID))))
			ev = LifecycleEvent{Kind: LifecycleExited, Node: s.node, Handle: rec.handle, WorkerID: rec.id,
				Attempt: rec.attempt, Reason: ExitAbnormal, Cause: fmt.Sprintf("panic: %v", r), At: time.Now()}
		}

		s.durations.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("fn", string(rec.fnID))))
		s.exits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("node", string(s.node)), attribute.String("reason", string(ev.Reason))))

		rec.exitedMu.Lock()
		already := rec.exited
		rec.exited = true
		rec.exitedMu.Unlock()
		close(rec.done)

		if !already {
			s.emit(ev)
		}
	}()

	s.emit(LifecycleEvent{Kind: LifecycleRunning, Node: s.node, Handle: rec.handle, WorkerID: rec.id, Attempt: rec.attempt, At: time.Now()})

	fn, ok := s.reg.Lookup(rec.fnID)
	if !ok {
		ev = LifecycleEvent{Kind: LifecycleExited, Node: s.node, Handle: rec.handle, WorkerID: rec.id,
			Attempt: rec.attempt, Reason: ExitAbnormal, Cause: "unknown_function", At: time.Now()}
		return
	}

	out, err := fn(ctx, input, checkpoint)
	if err != nil {
		if ctx.Err() != nil {
			ev = LifecycleEvent{Kind: LifecycleExited, Node: s.node, Handle: rec.handle, WorkerID: rec.id,
				Attempt: rec.attempt, Reason: ExitAbnormal, Cause: "cancelled", At: time.Now()}
			return
		}
		ev = LifecycleEvent{Kind: LifecycleExited, Node: s.node, Handle: rec.handle, WorkerID: rec.id,
			Attempt: rec.attempt, Reason: ExitAbnormal, Cause: err.Error(), At: time.Now()}
		return
	}

	ev = LifecycleEvent{Kind: LifecycleExited, Node: s.node, Handle: rec.handle, WorkerID: rec.id,
		Attempt: rec.attempt, Reason: ExitNormal, Value: out, At: time.Now()}
}

// StopWorker requests cooperative cancellation of workerID, escalating
// to a forced terminal event after shutdownWindow if the worker
// doesn't exit in time. Go cannot kill a goroutine outright; the
// abandoned goroutine is expected to observe ctx.Done() promptly. This
// divergence from "forceful termination" is recorded in DESIGN.md.
func (s *Supervisor) StopWorker(ctx context.Context, workerID coretypes.WorkerID) error {
	s.mu.Lock()
	rec, ok := s.workers[workerID]
	s.mu.Unlock()
	if !ok {
		return corefail.ErrNotFound
	}

	rec.cancel()

	select {
	case <-rec.done:
		return nil
	case <-time.After(s.shutdownWindow):
		rec.exitedMu.Lock()
		already := rec.exited
		rec.exited = true
		rec.exitedMu.Unlock()
		if !already {
			s.emit(LifecycleEvent{Kind: LifecycleExited, Node: s.node, Handle: rec.handle, WorkerID: rec.id,
				Attempt: rec.attempt, Reason: ExitAbnormal, Cause: "forced", At: time.Now()})
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeLifecycle registers a channel to receive this node's worker
// lifecycle events, e.g. from the Task Recovery Monitor.
func (s *Supervisor) SubscribeLifecycle(buffer int) <-chan LifecycleEvent {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan LifecycleEvent, buffer)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Supervisor) emit(ev LifecycleEvent) {
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("supervisor: lifecycle subscriber full, dropping event", "node", s.node, "handle", ev.Handle)
		}
	}
	s.subMu.Unlock()

	if s.nc != nil {
		subject := "taskcore.lifecycle." + string(s.node)
		payload := []byte(fmt.Sprintf("%s:%s:%s:%d:%s", ev.Kind, ev.Handle, ev.WorkerID, ev.Attempt, ev.Reason))
		if err := natsctx.Publish(context.Background(), s.nc, subject, payload); err != nil {
			slog.Warn("supervisor: nats lifecycle publish failed", "error", err)
		}
	}
}

// RestartRecover emits Exited(abnormal, supervisor_restart) for every
// worker this Supervisor knew about before a restart, per spec §4.2's
// "WS never loses a worker on its books" guarantee. Call once, before
// accepting new StartWorker calls, after reconstructing the book from
// durable state (e.g. the Checkpoint Store).
func (s *Supervisor) RestartRecover(known []coretypes.TaskHandle) {
	for _, h := range known {
		s.emit(LifecycleEvent{Kind: LifecycleExited, Node: s.node, Handle: h, Reason: ExitAbnormal, Cause: "supervisor_restart", At: time.Now()})
	}
}
