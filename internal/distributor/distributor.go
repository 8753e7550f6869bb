// Package distributor implements the Task Distributor: it accepts
// submissions, places them on a cluster node chosen by a pluggable
// selection policy, tracks their task records, and resolves caller
// continuations exactly once. Grounded in scheduler.go's actor shape
// (mutex-guarded state, goroutines for asynchronous work) generalized
// from the teacher's single-process worker pool to cluster-wide
// placement, per spec §4.1.
package distributor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/corelib/resilience"
	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/discovery"
	"github.com/swarmguard/taskcore/internal/placement"
	"github.com/swarmguard/taskcore/internal/recovery"
	"github.com/swarmguard/taskcore/internal/registry"
	"github.com/swarmguard/taskcore/internal/supervisor"
	"github.com/swarmguard/taskcore/internal/transport"
)

// Status is a task record's caller-visible state (spec §3's five
// status states). The transient "Cancelling" sub-state is not reported
// separately: Cancel leaves the status as it was (Pending or Running)
// until the task finalizes as Cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is a task's terminal value or error, delivered on a Future.
type Result struct {
	Value []byte
	Err   error
}

// NoTimeout disables a caller-side wait bound (spec §4.1 opts.timeout = ∞).
const NoTimeout time.Duration = -1

// DefaultTimeout is distributor.default_task_timeout_ms.
const DefaultTimeout = 30 * time.Second

// SubmitOptions mirrors spec §4.1's submit opts. Local inverts the
// spec's {distributed: bool}, whose documented default is true: a zero
// SubmitOptions{} must dispatch through WS like any other submission,
// and a bare bool field defaulting to Go's zero value would silently
// invert that. Set Local to opt into the bypass-WS synchronous path.
type SubmitOptions struct {
	Local          bool
	Timeout        time.Duration
	ReturnRefMode  bool
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	TargetNode     coretypes.NodeID
}

func (o SubmitOptions) withDefaults() SubmitOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

type taskRecord struct {
	status       Status
	opts         SubmitOptions
	assignedNode coretypes.NodeID
	workerID     coretypes.WorkerID
	submittedAt  time.Time
	finishedAt   time.Time
	completion   chan Result
}

// Future is what Submit hands back to the caller: Handle always
// identifies the task; Wait resolves per opts.ReturnRefMode — the
// placement ack immediately if true, or the terminal outcome if false.
type Future struct {
	Handle  coretypes.TaskHandle
	ch      <-chan Result
	timeout time.Duration // caller-side wait bound; <= 0 means none
}

// Wait blocks for the Future's single delivered Result, honoring ctx
// cancellation. If the submission's Timeout elapses first, Wait returns
// a Result carrying corefail.ErrTaskTimedOut; the task itself is not
// cancelled. Callers in ReturnRefMode should follow up with
// Distributor.Completion to obtain the eventual terminal outcome.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	var expired <-chan time.Time
	if f.timeout > 0 {
		timer := time.NewTimer(f.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case r, ok := <-f.ch:
		if !ok {
			return Result{}, corefail.ErrNotFound
		}
		return r, nil
	case <-expired:
		return Result{Err: corefail.ErrTaskTimedOut}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Distributor is TD.
type Distributor struct {
	localNode coretypes.NodeID
	nd        *discovery.Registry
	transport transport.NodeTransport
	monitor   *recovery.Monitor
	funcs     *registry.FunctionRegistry
	policy    placement.Policy

	mu    sync.Mutex
	tasks map[coretypes.TaskHandle]*taskRecord

	subMu      sync.Mutex
	subscribed map[coretypes.NodeID]bool

	breakerMu sync.Mutex
	breakers  map[coretypes.NodeID]*resilience.CircuitBreaker

	gracePeriod time.Duration

	submitted, completed, failed, cancelled metric.Int64Counter
}

// Options configures a Distributor. Monitor may be left nil at
// construction and supplied afterward via BindMonitor: the Distributor
// implements recovery.Notifier, so the two are necessarily wired in two
// steps (construct one, then the other with a reference to the first,
// then bind back).
type Options struct {
	LocalNode   coretypes.NodeID
	Discovery   *discovery.Registry
	Transport   transport.NodeTransport
	Monitor     *recovery.Monitor
	Functions   *registry.FunctionRegistry
	Policy      placement.Policy // default placement.NewRoundRobin()
	GracePeriod time.Duration    // default 5s; how long a terminal record answers status() before eviction
}

func New(opts Options, meter metric.Meter) *Distributor {
	if opts.Policy == nil {
		opts.Policy = placement.NewRoundRobin()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	submitted, _ := meter.Int64Counter("taskcore_distributor_submitted_total")
	completed, _ := meter.Int64Counter("taskcore_distributor_completed_total")
	failed, _ := meter.Int64Counter("taskcore_distributor_failed_total")
	cancelled, _ := meter.Int64Counter("taskcore_distributor_cancelled_total")

	return &Distributor{
		localNode:   opts.LocalNode,
		nd:          opts.Discovery,
		transport:   opts.Transport,
		monitor:     opts.Monitor,
		funcs:       opts.Functions,
		policy:      opts.Policy,
		tasks:       make(map[coretypes.TaskHandle]*taskRecord),
		subscribed:  make(map[coretypes.NodeID]bool),
		breakers:    make(map[coretypes.NodeID]*resilience.CircuitBreaker),
		gracePeriod: opts.GracePeriod,
		submitted:   submitted,
		completed:   completed,
		failed:      failed,
		cancelled:   cancelled,
	}
}

// BindMonitor wires the Task Recovery Monitor that owns this
// Distributor's retry/cancel delegation, once it has been constructed
// with this Distributor as its Notifier.
func (d *Distributor) BindMonitor(m *recovery.Monitor) {
	d.mu.Lock()
	d.monitor = m
	d.mu.Unlock()
}

// Submit places input for execution under fnID. In distributed mode it
// returns as soon as placement succeeds; the Future resolves per
// opts.ReturnRefMode. In non-distributed mode it runs fnID synchronously
// in the calling goroutine and the Future is already resolved.
func (d *Distributor) Submit(ctx context.Context, fnID coretypes.FnID, input []byte, opts SubmitOptions) (*Future, error) {
	opts = opts.withDefaults()
	handle := coretypes.NewTaskHandle()
	d.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("fn", string(fnID)), attribute.Bool("distributed", !opts.Local)))

	if opts.Local {
		return d.submitLocal(ctx, handle, fnID, input)
	}
	return d.submitDistributed(ctx, handle, fnID, input, opts)
}

func (d *Distributor) submitLocal(ctx context.Context, handle coretypes.TaskHandle, fnID coretypes.FnID, input []byte) (*Future, error) {
	fn, ok := d.funcs.Lookup(fnID)
	if !ok {
		return nil, fmt.Errorf("distributor: %w: %s", corefail.ErrUnknownFunction, fnID)
	}

	ch := make(chan Result, 1)
	out, err := fn(ctx, input, nil)
	if err != nil {
		ch <- Result{Err: corefail.NewTaskFailed(err.Error())}
		d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("fn", string(fnID)), attribute.Bool("distributed", false)))
	} else {
		ch <- Result{Value: out}
		d.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("fn", string(fnID)), attribute.Bool("distributed", false)))
	}
	close(ch)
	return &Future{Handle: handle, ch: ch}, nil
}

func (d *Distributor) submitDistributed(ctx context.Context, handle coretypes.TaskHandle, fnID coretypes.FnID, input []byte, opts SubmitOptions) (*Future, error) {
	node, err := d.selectNode(opts.TargetNode)
	if err != nil {
		return nil, err
	}

	rec := &taskRecord{
		status:      StatusPending,
		opts:        opts,
		submittedAt: time.Now(),
		completion:  make(chan Result, 1),
	}

	workerID, node, err := d.dispatchWithFailover(ctx, handle, fnID, input, node)
	if err != nil {
		d.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("fn", string(fnID)), attribute.Bool("distributed", true)))
		return nil, err
	}

	rec.assignedNode = node
	rec.workerID = workerID

	d.mu.Lock()
	d.tasks[handle] = rec
	d.mu.Unlock()

	d.ensureStatusTracking(ctx, node)
	d.getMonitor().Track(ctx, handle, recovery.Params{
		FnID: fnID, Input: input,
		MaxAttempts: opts.MaxAttempts, InitialBackoff: opts.InitialBackoff, MaxBackoff: opts.MaxBackoff,
	}, node, workerID)

	if opts.ReturnRefMode {
		ackCh := make(chan Result, 1)
		ackCh <- Result{}
		close(ackCh)
		return &Future{Handle: handle, ch: ackCh}, nil
	}
	return &Future{Handle: handle, ch: rec.completion, timeout: opts.Timeout}, nil
}

// breakerFor returns node's circuit breaker, creating it on first use.
// A node that has recently failed enough dispatches trips its breaker
// and is skipped by selection without waiting a full heartbeat timeout
// for ND to mark it Down (spec §4.1's placement is independent of
// ND's slower liveness sweep).
func (d *Distributor) breakerFor(node coretypes.NodeID) *resilience.CircuitBreaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	cb, ok := d.breakers[node]
	if !ok {
		cb = resilience.NewCircuitBreakerAdaptive(10*time.Second, 10, 5, 0.5, 5*time.Second, 2)
		d.breakers[node] = cb
	}
	return cb
}

func (d *Distributor) selectNode(target coretypes.NodeID) (coretypes.NodeID, error) {
	up := d.nd.ListUp()
	if target != "" {
		return placement.SelectTarget(up, target)
	}

	candidates := up[:0:0]
	for _, n := range up {
		if d.breakerFor(n).Allow() {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		candidates = up // every breaker tripped: fall back rather than starve placement entirely
	}
	return d.policy.Select(candidates, d.localNode)
}

// dispatchWithFailover attempts the initial start_worker RPC, retrying
// against other Up nodes if the RPC itself is undeliverable (spec
// §4.1's "dispatch that cannot be delivered... is treated as a
// transient failure and retried against another node").
func (d *Distributor) dispatchWithFailover(ctx context.Context, handle coretypes.TaskHandle, fnID coretypes.FnID, input []byte, firstNode coretypes.NodeID) (coretypes.WorkerID, coretypes.NodeID, error) {
	node := firstNode
	tried := make(map[coretypes.NodeID]bool)

	for attempt := 0; attempt < 3; attempt++ {
		tried[node] = true
		workerID, err := d.transport.StartWorker(ctx, node, handle, fnID, input, nil, 1)
		d.breakerFor(node).RecordResult(err == nil)
		if err == nil {
			return workerID, node, nil
		}
		slog.Warn("distributor: initial dispatch failed, trying another node", "handle", handle, "node", node, "error", err)

		up := d.nd.ListUp()
		var next coretypes.NodeID
		for _, n := range up {
			if !tried[n] && d.breakerFor(n).Allow() {
				next = n
				break
			}
		}
		if next == "" {
			return "", "", fmt.Errorf("distributor: %w", corefail.ErrNoAvailableNode)
		}
		node = next
	}
	return "", "", fmt.Errorf("distributor: %w", corefail.ErrNoAvailableNode)
}

func (d *Distributor) ensureStatusTracking(ctx context.Context, node coretypes.NodeID) {
	d.subMu.Lock()
	if d.subscribed[node] {
		d.subMu.Unlock()
		return
	}
	d.subscribed[node] = true
	d.subMu.Unlock()

	events, err := d.transport.SubscribeLifecycle(ctx, node)
	if err != nil {
		slog.Warn("distributor: status-tracking subscribe failed", "node", node, "error", err)
		d.subMu.Lock()
		delete(d.subscribed, node)
		d.subMu.Unlock()
		return
	}

	go func() {
		for ev := range events {
			d.observeForStatus(ev)
		}
	}()
}

// observeForStatus only updates the Pending->Running transition; it
// never finalizes a task. Terminal outcomes arrive exclusively through
// Finalize, called by the Task Recovery Monitor.
func (d *Distributor) observeForStatus(ev supervisor.LifecycleEvent) {
	if ev.Kind != supervisor.LifecycleRunning {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.tasks[ev.Handle]; ok && rec.status == StatusPending {
		rec.status = StatusRunning
		rec.workerID = ev.WorkerID
	}
}

// Finalize implements recovery.Notifier: the Task Recovery Monitor
// calls this exactly once per task with its terminal outcome.
func (d *Distributor) Finalize(handle coretypes.TaskHandle, outcome recovery.Outcome) {
	d.mu.Lock()
	rec, ok := d.tasks[handle]
	if !ok {
		d.mu.Unlock()
		return
	}

	var result Result
	switch outcome.Kind {
	case recovery.OutcomeSuccess:
		rec.status = StatusCompleted
		result = Result{Value: outcome.Value}
		d.completed.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("distributed", true)))
	case recovery.OutcomeCancelled:
		rec.status = StatusCancelled
		result = Result{Err: corefail.ErrTaskCancelled}
		d.cancelled.Add(context.Background(), 1)
	default: // OutcomeFailed
		rec.status = StatusFailed
		result = Result{Err: corefail.NewTaskFailed(outcome.Reason)}
		d.failed.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("distributed", true)))
	}
	rec.finishedAt = time.Now()
	d.mu.Unlock()

	rec.completion <- result

	time.AfterFunc(d.gracePeriod, func() {
		d.mu.Lock()
		delete(d.tasks, handle)
		d.mu.Unlock()
	})
}

// Status reports a task's current state without blocking.
func (d *Distributor) Status(handle coretypes.TaskHandle) (Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.tasks[handle]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// Cancel requests best-effort cancellation, delegating to the Task
// Recovery Monitor which owns the task's node/worker bookkeeping.
func (d *Distributor) Cancel(ctx context.Context, handle coretypes.TaskHandle) error {
	d.mu.Lock()
	rec, ok := d.tasks[handle]
	if !ok {
		d.mu.Unlock()
		return corefail.ErrNotFound
	}
	if rec.status == StatusCompleted || rec.status == StatusFailed || rec.status == StatusCancelled {
		d.mu.Unlock()
		return corefail.ErrAlreadyTerminal
	}
	d.mu.Unlock()

	return d.getMonitor().Cancel(ctx, handle)
}

func (d *Distributor) getMonitor() *recovery.Monitor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.monitor
}

// RegisterWorkerNode is an explicit membership hint complementing ND's
// own discovery (spec §4.1's register_worker_node).
func (d *Distributor) RegisterWorkerNode(node coretypes.NodeID) {
	d.nd.Register(node)
}

// Completion returns the channel a ReturnRefMode submission's terminal
// outcome is eventually delivered on, per spec §4.1's "separate
// completion channel addressed by handle."
func (d *Distributor) Completion(handle coretypes.TaskHandle) (<-chan Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.tasks[handle]
	if !ok {
		return nil, corefail.ErrNotFound
	}
	return rec.completion, nil
}
