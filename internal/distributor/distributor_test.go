package distributor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskcore/internal/checkpoint"
	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/discovery"
	"github.com/swarmguard/taskcore/internal/placement"
	"github.com/swarmguard/taskcore/internal/recovery"
	"github.com/swarmguard/taskcore/internal/registry"
	"github.com/swarmguard/taskcore/internal/supervisor"
	"github.com/swarmguard/taskcore/internal/transport"
)

func newDistributorHarness(t *testing.T) (*Distributor, *registry.FunctionRegistry) {
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

	d := New(Options{
		LocalNode: "node-a",
		Discovery: disc,
		Transport: local,
		Functions: reg,
		Policy:    placement.NewRoundRobin(),
	}, meter)

	mon := recovery.New(recovery.Options{
		LocalNode:   "node-a",
		Notifier:    d,
		Transport:   local,
		Discovery:   disc,
		Checkpoints: cs,
		Policy:      placement.NewRoundRobin(),
	}, meter)
	d.BindMonitor(mon)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mon.Run(ctx)

	return d, reg
}

func TestSubmitDistributedHappyPath(t *testing.T) {
	d, reg := newDistributorHarness(t)
	reg.Register("echo", func(_ context.Context, input, _ []byte) ([]byte, error) { return input, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	future, err := d.Submit(ctx, "echo", []byte("hi"), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Err != nil {
		t.Fatalf("expected success, got %v", result.Err)
	}
	if string(result.Value) != "hi" {
		t.Fatalf("expected hi, got %q", result.Value)
	}
	status, ok := d.Status(future.Handle)
	if !ok || status != StatusCompleted {
		t.Fatalf("expected completed status, got %v %v", status, ok)
	}
}

func TestSubmitNonDistributedSyncFailure(t *testing.T) {
	d, _ := newDistributorHarness(t)

	ctx := context.Background()
	future, err := d.Submit(ctx, "always_fails_nonexistent", nil, SubmitOptions{Local: true})
	if err == nil {
		t.Fatal("expected unknown function error")
	}
	if future != nil {
		t.Fatal("expected nil future on synchronous caller error")
	}
}

func TestSubmitNonDistributedFunctionError(t *testing.T) {
	d, reg := newDistributorHarness(t)
	reg.Register("boom", func(_ context.Context, _, _ []byte) ([]byte, error) { return nil, errors.New("kaboom") })

	ctx := context.Background()
	future, err := d.Submit(ctx, "boom", nil, SubmitOptions{Local: true})
	if err != nil {
		t.Fatalf("submit itself should not error: %v", err)
	}
	result, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Err == nil {
		t.Fatal("expected TaskFailed error")
	}
	if _, ok := corefail.AsTaskFailed(result.Err); !ok {
		t.Fatalf("expected TaskFailedError, got %v", result.Err)
	}
}

func TestSubmitReturnRefModeThenCompletion(t *testing.T) {
	d, reg := newDistributorHarness(t)
	reg.Register("slow_echo", func(_ context.Context, input, _ []byte) ([]byte, error) { return input, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	future, err := d.Submit(ctx, "slow_echo", []byte("ref"), SubmitOptions{ReturnRefMode: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ack, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("wait ack: %v", err)
	}
	if ack.Err != nil {
		t.Fatalf("expected placement ack without error, got %v", ack.Err)
	}

	completionCh, err := waitForCompletionChannel(d, future.Handle, time.Second)
	if err != nil {
		t.Fatalf("completion channel: %v", err)
	}
	select {
	case result := <-completionCh:
		if string(result.Value) != "ref" {
			t.Fatalf("expected ref, got %q", result.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func waitForCompletionChannel(d *Distributor, handle coretypes.TaskHandle, within time.Duration) (<-chan Result, error) {
	deadline := time.Now().Add(within)
	for {
		if ch, err := d.Completion(handle); err == nil {
			return ch, nil
		}
		if time.Now().After(deadline) {
			return d.Completion(handle)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	d, _ := newDistributorHarness(t)
	if err := d.Cancel(context.Background(), "nonexistent"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}
