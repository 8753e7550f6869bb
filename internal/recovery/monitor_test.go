package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskcore/internal/checkpoint"
	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/discovery"
	"github.com/swarmguard/taskcore/internal/placement"
	"github.com/swarmguard/taskcore/internal/registry"
	"github.com/swarmguard/taskcore/internal/supervisor"
	"github.com/swarmguard/taskcore/internal/transport"
)

type capturingNotifier struct {
	mu       sync.Mutex
	outcomes map[coretypes.TaskHandle]Outcome
	done     chan coretypes.TaskHandle
}

func newCapturingNotifier() *capturingNotifier {
	return &capturingNotifier{outcomes: make(map[coretypes.TaskHandle]Outcome), done: make(chan coretypes.TaskHandle, 16)}
}

func (n *capturingNotifier) Finalize(handle coretypes.TaskHandle, outcome Outcome) {
	n.mu.Lock()
	n.outcomes[handle] = outcome
	n.mu.Unlock()
	n.done <- handle
}

func (n *capturingNotifier) get(handle coretypes.TaskHandle) (Outcome, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	o, ok := n.outcomes[handle]
	return o, ok
}

func newHarness(t *testing.T) (*Monitor, *transport.LocalTransport, *discovery.Registry, *capturingNotifier, func(fnID coretypes.FnID, fn registry.Func)) {
	t.Helper()
	meter := otel.Meter("test")

	reg := registry.New()
	local := transport.NewLocalTransport()
	disc := discovery.New(discovery.Options{LocalNode: "node-a", CleanupInterval: time.Hour}, meter)
	disc.Register("node-a")
	disc.Register("node-b")

	for _, node := range []coretypes.NodeID{"node-a", "node-b"} {
		sup := supervisor.New(supervisor.Options{Node: node}, reg, meter)
		local.Register(node, sup)
	}

	cs := checkpoint.NewMemStore(meter, 0)
	notifier := newCapturingNotifier()

	mon := New(Options{
		LocalNode:   "node-a",
		Notifier:    notifier,
		Transport:   local,
		Discovery:   disc,
		Checkpoints: cs,
		Policy:      placement.NewRoundRobin(),
	}, meter)

	return mon, local, disc, notifier, reg.Register
}

func waitOutcome(t *testing.T, n *capturingNotifier, handle coretypes.TaskHandle, within time.Duration) Outcome {
	t.Helper()
	deadline := time.After(within)
	for {
		if o, ok := n.get(handle); ok {
			return o
		}
		select {
		case got := <-n.done:
			if got == handle {
				o, _ := n.get(handle)
				return o
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outcome of %s", handle)
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	mon, local, _, notifier, register := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	register("flaky", registry.NewFlakyFunc(2, errors.New("not yet"), []byte("ok")))

	handle := coretypes.NewTaskHandle()
	params := Params{FnID: "flaky", Input: []byte("x"), MaxAttempts: 3, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}

	workerID, err := local.StartWorker(ctx, "node-a", handle, params.FnID, params.Input, nil, 1)
	if err != nil {
		t.Fatalf("initial dispatch: %v", err)
	}
	mon.Track(ctx, handle, params, "node-a", workerID)

	outcome := waitOutcome(t, notifier, handle, 2*time.Second)
	if outcome.Kind != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if string(outcome.Value) != "ok" {
		t.Fatalf("expected value ok, got %q", outcome.Value)
	}
}

func TestRetriesExhausted(t *testing.T) {
	mon, local, _, notifier, register := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	register("always_fails", registry.NewAlwaysFailsFunc(errors.New("boom")))

	handle := coretypes.NewTaskHandle()
	params := Params{FnID: "always_fails", Input: nil, MaxAttempts: 2, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}

	workerID, err := local.StartWorker(ctx, "node-a", handle, params.FnID, params.Input, nil, 1)
	if err != nil {
		t.Fatalf("initial dispatch: %v", err)
	}
	mon.Track(ctx, handle, params, "node-a", workerID)

	outcome := waitOutcome(t, notifier, handle, 2*time.Second)
	if outcome.Kind != OutcomeFailed {
		t.Fatalf("expected failed, got %+v", outcome)
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	mon, local, _, notifier, register := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	register("always_fails", registry.NewAlwaysFailsFunc(errors.New("boom")))

	handle := coretypes.NewTaskHandle()
	params := Params{FnID: "always_fails", Input: nil, MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Second}

	workerID, err := local.StartWorker(ctx, "node-a", handle, params.FnID, params.Input, nil, 1)
	if err != nil {
		t.Fatalf("initial dispatch: %v", err)
	}
	mon.Track(ctx, handle, params, "node-a", workerID)

	// give the worker time to exit and enter Backoff before cancelling.
	time.Sleep(50 * time.Millisecond)
	if err := mon.Cancel(ctx, handle); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	outcome := waitOutcome(t, notifier, handle, 200*time.Millisecond)
	if outcome.Kind != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %+v", outcome)
	}
}
