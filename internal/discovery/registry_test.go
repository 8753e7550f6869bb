package discovery

import (
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskcore/internal/coretypes"
)

func TestRegisterAndListUp(t *testing.T) {
	t.Parallel()
	r := New(Options{LocalNode: "a"}, otel.GetMeterProvider().Meter("discovery-test"))
	r.Register("a")
	r.Register("b")

	up := r.ListUp()
	if len(up) != 2 {
		t.Fatalf("expected 2 up members, got %d", len(up))
	}
	if !r.IsUp("a") || !r.IsUp("b") {
		t.Fatalf("expected a and b up")
	}
}

func TestHeartbeatEmitsUpOnce(t *testing.T) {
	t.Parallel()
	r := New(Options{LocalNode: "a"}, otel.GetMeterProvider().Meter("discovery-test"))
	events := r.Subscribe(8)

	r.Heartbeat("b")
	r.Heartbeat("b") // second heartbeat while already Up must not re-fire

	select {
	case ev := <-events:
		if ev.Kind != EventUp || ev.Node != coretypes.NodeID("b") {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an Up event")
	}

	select {
	case ev := <-events:
		t.Fatalf("expected no second event, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweepMarksStaleMembersDown(t *testing.T) {
	t.Parallel()
	r := New(Options{LocalNode: "a", CleanupInterval: 20 * time.Millisecond}, otel.GetMeterProvider().Meter("discovery-test"))
	events := r.Subscribe(8)
	r.Register("b")
	<-events // drain the Up event

	time.Sleep(40 * time.Millisecond)
	r.sweep()

	if r.IsUp("b") {
		t.Fatalf("expected b to be Down after sweep")
	}

	select {
	case ev := <-events:
		if ev.Kind != EventDown || ev.Node != coretypes.NodeID("b") {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a Down event")
	}
}
