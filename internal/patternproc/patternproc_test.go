package patternproc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskcore/internal/checkpoint"
	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/discovery"
	"github.com/swarmguard/taskcore/internal/distributor"
	"github.com/swarmguard/taskcore/internal/placement"
	"github.com/swarmguard/taskcore/internal/recovery"
	"github.com/swarmguard/taskcore/internal/registry"
	"github.com/swarmguard/taskcore/internal/supervisor"
	"github.com/swarmguard/taskcore/internal/transport"
)

func newProcessorHarness(t *testing.T) (*Processor, *registry.FunctionRegistry) {
	t.Helper()
	meter := otel.Meter("test")
	tracer := otel.Tracer("test")

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

	d := distributor.New(distributor.Options{
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

	proc := New(Options{Distributor: d}, meter, tracer)
	return proc, reg
}

func TestProcessIdentitySplitDefaultAggregate(t *testing.T) {
	proc, reg := newProcessorHarness(t)
	reg.Register("double", registry.DoubleFunc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	job, err := proc.Process(ctx, Pattern{FnID: "double", Input: []byte("21")}, ProcessOptions{})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	result, err := job.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Err != nil {
		t.Fatalf("expected success, got %v", result.Err)
	}

	var outputs [][]byte
	if err := json.Unmarshal(result.Value, &outputs); err != nil {
		t.Fatalf("unmarshal aggregate: %v", err)
	}
	if len(outputs) != 1 || string(outputs[0]) != "42" {
		t.Fatalf("expected [42], got %v", outputs)
	}

	status, ok := proc.Status(job.Handle)
	if !ok || status != JobCompleted {
		t.Fatalf("expected completed, got %v %v", status, ok)
	}
}

func TestProcessChunkSplitterFansOut(t *testing.T) {
	proc, reg := newProcessorHarness(t)
	reg.Register("echo", func(_ context.Context, input, _ []byte) ([]byte, error) { return input, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	job, err := proc.Process(ctx, Pattern{FnID: "echo", Input: []byte("abcdefgh")}, ProcessOptions{
		Splitter: ChunkSplitter{ChunkSize: 3},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	result, err := job.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Err != nil {
		t.Fatalf("expected success, got %v", result.Err)
	}

	var outputs [][]byte
	if err := json.Unmarshal(result.Value, &outputs); err != nil {
		t.Fatalf("unmarshal aggregate: %v", err)
	}
	if len(outputs) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(outputs))
	}
}

func TestProcessSubJobFailureFailsWholeJob(t *testing.T) {
	proc, reg := newProcessorHarness(t)
	reg.Register("boom", registry.NewAlwaysFailsFunc(errors.New("kaboom")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	job, err := proc.Process(ctx, Pattern{FnID: "boom", Input: nil}, ProcessOptions{
		SubmitOptions: distributor.SubmitOptions{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	result, err := job.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Err == nil {
		t.Fatal("expected job failure")
	}

	status, ok := proc.Status(job.Handle)
	if !ok || status != JobFailed {
		t.Fatalf("expected failed, got %v %v", status, ok)
	}
}

func TestProcessJobTimeoutDiscardsPartialResults(t *testing.T) {
	proc, reg := newProcessorHarness(t)
	reg.Register("slow", func(ctx context.Context, input, _ []byte) ([]byte, error) {
		select {
		case <-time.After(2 * time.Second):
			return input, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	job, err := proc.Process(ctx, Pattern{FnID: "slow", Input: []byte("x")}, ProcessOptions{
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	result, err := job.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Err == nil {
		t.Fatal("expected timeout error")
	}
	if len(result.Value) != 0 {
		t.Fatalf("expected no partial aggregate value, got %q", result.Value)
	}
}

func TestChunkSplitterRejectsNonPositiveSize(t *testing.T) {
	_, err := ChunkSplitter{ChunkSize: 0}.Split(Pattern{FnID: "echo", Input: []byte("x")})
	if err == nil {
		t.Fatal("expected error for non-positive chunk size")
	}
}
