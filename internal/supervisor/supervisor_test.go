package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskcore/internal/coretypes"
	"github.com/swarmguard/taskcore/internal/registry"
)

func newTestSupervisor() (*Supervisor, *registry.FunctionRegistry) {
	reg := registry.New()
	sup := New(Options{Node: "n1"}, reg, otel.GetMeterProvider().Meter("supervisor-test"))
	return sup, reg
}

func TestStartWorkerHappyPath(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor()
	events := sup.SubscribeLifecycle(8)
	handle := coretypes.NewTaskHandle()

	if _, err := sup.StartWorker(context.Background(), handle, "echo", []byte("hi"), nil, 1); err != nil {
		t.Fatalf("start: %v", err)
	}

	var sawExited bool
	deadline := time.After(2 * time.Second)
	for !sawExited {
		select {
		case ev := <-events:
			if ev.Kind == LifecycleExited {
				if ev.Reason != ExitNormal || string(ev.Value) != "hi" {
					t.Fatalf("unexpected exit: %+v", ev)
				}
				sawExited = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for exit")
		}
	}
}

func TestStartWorkerUnknownFunction(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor()
	events := sup.SubscribeLifecycle(8)
	handle := coretypes.NewTaskHandle()

	if _, err := sup.StartWorker(context.Background(), handle, "does-not-exist", nil, nil, 1); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == LifecycleExited {
				if ev.Reason != ExitAbnormal || ev.Cause != "unknown_function" {
					t.Fatalf("expected unknown_function exit, got %+v", ev)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for exit")
		}
	}
}

func TestStartWorkerIdempotentPerHandleAttempt(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor()
	handle := coretypes.NewTaskHandle()

	id1, err := sup.StartWorker(context.Background(), handle, "sleep", []byte("50ms"), nil, 1)
	if err != nil {
		t.Fatalf("start 1: %v", err)
	}
	id2, err := sup.StartWorker(context.Background(), handle, "sleep", []byte("50ms"), nil, 1)
	if err != nil {
		t.Fatalf("start 2: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected idempotent worker id, got %s vs %s", id1, id2)
	}
}

func TestStopWorkerCooperative(t *testing.T) {
	t.Parallel()
	sup, reg := newTestSupervisor()
	reg.Register("block", func(ctx context.Context, _, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, errors.New("cancelled")
	})
	events := sup.SubscribeLifecycle(8)
	handle := coretypes.NewTaskHandle()

	id, err := sup.StartWorker(context.Background(), handle, "block", nil, nil, 1)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Drain Starting + Running before stopping.
	<-events
	<-events

	if err := sup.StopWorker(context.Background(), id); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != LifecycleExited || ev.Reason != ExitAbnormal {
			t.Fatalf("expected abnormal exit after stop, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit after stop")
	}
}
