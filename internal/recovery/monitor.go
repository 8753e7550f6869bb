// Package recovery implements the Task Recovery Monitor: it watches
// Worker Supervisor lifecycle events for every task it is tracking,
// applies the exponential-backoff retry algorithm of spec §4.3, and
// either re-dispatches the task to a newly selected node or hands a
// terminal outcome back to the Task Distributor. Grounded in
// dag_engine.go's executeTask retry loop (attempt counter, doubling
// backoff capped at a maximum, full-jitter-free sleep) restructured
// from an inline per-call loop into an actor reacting to asynchronous
// lifecycle events, since retries here may target a different node.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskcore/internal/checkpoint"
	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/discovery"
	"github.com/swarmguard/taskcore/internal/placement"
	"github.com/swarmguard/taskcore/internal/supervisor"
	"github.com/swarmguard/taskcore/internal/transport"
)

// OutcomeKind classifies a task's terminal result as reported to the
// task's Notifier (the Task Distributor, in practice).
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is what TRM hands back once a task leaves its care.
type Outcome struct {
	Kind   OutcomeKind
	Value  []byte
	Reason string
}

// Notifier receives a task's terminal outcome exactly once.
type Notifier interface {
	Finalize(handle coretypes.TaskHandle, outcome Outcome)
}

// Params are the per-submission retry parameters (spec §4.1 opts:
// max_attempts, initial_backoff_ms, max_backoff_ms).
type Params struct {
	FnID           coretypes.FnID
	Input          []byte
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultParams applies the spec's documented defaults (3, 1000ms, 30s).
func DefaultParams(fnID coretypes.FnID, input []byte) Params {
	return Params{FnID: fnID, Input: input, MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

type taskState string

const (
	stateRunning    taskState = "running"
	stateBackoff    taskState = "backoff"
	stateCancelling taskState = "cancelling"
)

type trackedTask struct {
	params   Params
	attempt  int
	backoff  time.Duration
	node     coretypes.NodeID
	workerID coretypes.WorkerID
	state    taskState
	timer    *time.Timer
}

// Monitor is TRM: one instance per process, tracking every task whose
// initial dispatch has been confirmed and whose retries it now owns.
type Monitor struct {
	localNode coretypes.NodeID
	notifier  Notifier
	transport transport.NodeTransport
	nd        *discovery.Registry
	cs        checkpoint.Store
	policy    placement.Policy

	mu    sync.Mutex
	tasks map[coretypes.TaskHandle]*trackedTask

	subMu      sync.Mutex
	subscribed map[coretypes.NodeID]bool

	retries, exhausted, nodeLoss metric.Int64Counter
}

// Options configures a Monitor.
type Options struct {
	LocalNode coretypes.NodeID
	Notifier  Notifier
	Transport transport.NodeTransport
	Discovery *discovery.Registry
	Checkpoints checkpoint.Store
	Policy    placement.Policy // default placement.NewRoundRobin()
}

func New(opts Options, meter metric.Meter) *Monitor {
	if opts.Policy == nil {
		opts.Policy = placement.NewRoundRobin()
	}
	retries, _ := meter.Int64Counter("taskcore_recovery_retries_total")
	exhausted, _ := meter.Int64Counter("taskcore_recovery_exhausted_total")
	nodeLoss, _ := meter.Int64Counter("taskcore_recovery_node_down_total")

	return &Monitor{
		localNode:  opts.LocalNode,
		notifier:   opts.Notifier,
		transport:  opts.Transport,
		nd:         opts.Discovery,
		cs:         opts.Checkpoints,
		policy:     opts.Policy,
		tasks:      make(map[coretypes.TaskHandle]*trackedTask),
		subscribed: make(map[coretypes.NodeID]bool),
		retries:    retries,
		exhausted:  exhausted,
		nodeLoss:   nodeLoss,
	}
}

// Run subscribes to Node Discovery Down events and blocks until ctx is
// cancelled, treating a tracked task's node going Down as an abnormal
// exit with reason node_down (spec §4.3 "Node loss during execution").
func (m *Monitor) Run(ctx context.Context) error {
	events := m.nd.Subscribe(32)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == discovery.EventDown {
				m.handleNodeDown(ev.Node)
			}
		}
	}
}

// Track registers a task whose initial attempt-1 dispatch to node has
// already been confirmed by the Task Distributor, and ensures this
// Monitor is subscribed to that node's lifecycle stream.
func (m *Monitor) Track(ctx context.Context, handle coretypes.TaskHandle, params Params, node coretypes.NodeID, workerID coretypes.WorkerID) {
	m.mu.Lock()
	m.tasks[handle] = &trackedTask{
		params:   params,
		attempt:  1,
		backoff:  params.InitialBackoff,
		node:     node,
		workerID: workerID,
		state:    stateRunning,
	}
	m.mu.Unlock()

	m.ensureSubscribed(ctx, node)
}

// Cancel requests best-effort cancellation of a tracked task, per spec
// §5: a task in Backoff terminates immediately as Cancelled; a Running
// task gets a best-effort remote Cancel and finalizes Cancelled once
// its Exited event arrives.
func (m *Monitor) Cancel(ctx context.Context, handle coretypes.TaskHandle) error {
	m.mu.Lock()
	st, ok := m.tasks[handle]
	if !ok {
		m.mu.Unlock()
		return corefail.ErrNotFound
	}

	switch st.state {
	case stateCancelling:
		m.mu.Unlock()
		return corefail.ErrAlreadyTerminal
	case stateBackoff:
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.tasks, handle)
		m.mu.Unlock()
		m.notifier.Finalize(handle, Outcome{Kind: OutcomeCancelled})
		return nil
	default: // stateRunning
		node, workerID := st.node, st.workerID
		st.state = stateCancelling
		m.mu.Unlock()
		if err := m.transport.Cancel(ctx, node, workerID); err != nil {
			slog.Warn("recovery: remote cancel failed, relying on shutdown window", "handle", handle, "node", node, "error", err)
		}
		return nil
	}
}

func (m *Monitor) ensureSubscribed(ctx context.Context, node coretypes.NodeID) {
	m.subMu.Lock()
	if m.subscribed[node] {
		m.subMu.Unlock()
		return
	}
	m.subscribed[node] = true
	m.subMu.Unlock()

	events, err := m.transport.SubscribeLifecycle(ctx, node)
	if err != nil {
		slog.Warn("recovery: lifecycle subscribe failed", "node", node, "error", err)
		m.subMu.Lock()
		delete(m.subscribed, node)
		m.subMu.Unlock()
		return
	}

	go func() {
		for ev := range events {
			m.observe(ev)
		}
	}()
}

func (m *Monitor) observe(ev supervisor.LifecycleEvent) {
	if ev.Kind != supervisor.LifecycleExited {
		return
	}

	m.mu.Lock()
	st, ok := m.tasks[ev.Handle]
	if !ok || ev.Attempt != st.attempt {
		m.mu.Unlock()
		return // unknown task, or a stale event from a superseded attempt
	}
	cancelling := st.state == stateCancelling
	m.mu.Unlock()

	if cancelling {
		m.finalize(ev.Handle, Outcome{Kind: OutcomeCancelled})
		return
	}

	if ev.Reason == supervisor.ExitNormal {
		m.finalize(ev.Handle, Outcome{Kind: OutcomeSuccess, Value: ev.Value})
		return
	}

	m.onAbnormalExit(ev.Handle, ev.Cause)
}

func (m *Monitor) handleNodeDown(node coretypes.NodeID) {
	m.mu.Lock()
	var affected []coretypes.TaskHandle
	for handle, st := range m.tasks {
		if st.node == node && st.state == stateRunning {
			affected = append(affected, handle)
		}
	}
	m.mu.Unlock()

	for _, handle := range affected {
		m.nodeLoss.Add(context.Background(), 1, metric.WithAttributes(attribute.String("node", string(node))))
		m.onAbnormalExit(handle, "node_down")
	}
}

// onAbnormalExit implements retry-algorithm steps 3-4 of spec §4.3:
// exhaust at attempt >= max_attempts, else sleep the current backoff
// and re-dispatch to a newly selected node.
func (m *Monitor) onAbnormalExit(handle coretypes.TaskHandle, cause string) {
	m.mu.Lock()
	st, ok := m.tasks[handle]
	if !ok {
		m.mu.Unlock()
		return
	}
	if st.state == stateCancelling {
		m.mu.Unlock()
		m.finalize(handle, Outcome{Kind: OutcomeCancelled})
		return
	}

	if st.attempt >= st.params.MaxAttempts {
		delete(m.tasks, handle)
		m.mu.Unlock()
		slog.Error("recovery: retries exhausted", "handle", handle, "attempts", st.attempt, "reason", cause)
		m.exhausted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", cause)))
		m.notifier.Finalize(handle, Outcome{Kind: OutcomeFailed, Reason: cause})
		return
	}

	wait := st.backoff
	st.backoff = minDuration(st.backoff*2, st.params.MaxBackoff)
	st.state = stateBackoff
	m.retries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", cause)))
	m.mu.Unlock()

	st.timer = time.AfterFunc(wait, func() { m.retryDispatch(handle) })
}

// retryDispatch selects a new node and requests start_worker(handle,
// fn_id, input, k+1), threading the most recent checkpoint (spec
// §4.3's "Checkpoint use").
func (m *Monitor) retryDispatch(handle coretypes.TaskHandle) {
	m.mu.Lock()
	st, ok := m.tasks[handle]
	if !ok || st.state == stateCancelling {
		m.mu.Unlock()
		return
	}
	params := st.params
	nextAttempt := st.attempt + 1
	m.mu.Unlock()

	up := m.nd.ListUp()
	node, err := m.policy.Select(up, m.localNode)
	if err != nil {
		m.mu.Lock()
		delete(m.tasks, handle)
		m.mu.Unlock()
		m.notifier.Finalize(handle, Outcome{Kind: OutcomeFailed, Reason: err.Error()})
		return
	}

	var cp []byte
	if snapshot, found, err := m.cs.Get(context.Background(), handle); err == nil && found {
		cp = snapshot
	}

	m.ensureSubscribed(context.Background(), node)

	// Record the new attempt before dispatching, so its Exited event
	// (which may arrive before StartWorker returns) is not taken as stale.
	m.mu.Lock()
	st, ok = m.tasks[handle]
	if !ok || st.state == stateCancelling {
		m.mu.Unlock()
		return
	}
	st.attempt, st.node, st.workerID, st.state = nextAttempt, node, "", stateRunning
	m.mu.Unlock()

	workerID, err := m.transport.StartWorker(context.Background(), node, handle, params.FnID, params.Input, cp, nextAttempt)
	if err != nil {
		// The dispatch RPC itself failed (overloaded/unreachable node),
		// distinct from the worker later exiting abnormally; re-run the
		// same retry algorithm without having consumed an attempt.
		m.mu.Lock()
		st.attempt = nextAttempt - 1
		m.mu.Unlock()
		m.onAbnormalExit(handle, "dispatch_failed: "+err.Error())
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tasks[handle]; ok && cur.attempt == nextAttempt && cur.workerID == "" {
		cur.workerID = workerID
	}
}

func (m *Monitor) finalize(handle coretypes.TaskHandle, outcome Outcome) {
	m.mu.Lock()
	delete(m.tasks, handle)
	m.mu.Unlock()
	m.notifier.Finalize(handle, outcome)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
