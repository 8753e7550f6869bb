package placement

import (
	"testing"

	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/coretypes"
)

func TestRoundRobinCyclesSortedOrder(t *testing.T) {
	p := NewRoundRobin()
	up := []coretypes.NodeID{"c", "a", "b"}

	var got []coretypes.NodeID
	for i := 0; i < 4; i++ {
		n, err := p.Select(up, "a")
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		got = append(got, n)
	}
	want := []coretypes.NodeID{"a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestRoundRobinEmptyUpSet(t *testing.T) {
	p := NewRoundRobin()
	if _, err := p.Select(nil, "a"); err != corefail.ErrNoAvailableNode {
		t.Fatalf("expected ErrNoAvailableNode, got %v", err)
	}
}

func TestLocalPreferredPicksLocalWhenUp(t *testing.T) {
	p := NewLocalPreferred()
	up := []coretypes.NodeID{"remote-1", "local", "remote-2"}
	n, err := p.Select(up, "local")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if n != "local" {
		t.Fatalf("expected local, got %s", n)
	}
}

func TestLocalPreferredFallsBackWhenLocalDown(t *testing.T) {
	p := NewLocalPreferred()
	up := []coretypes.NodeID{"remote-1", "remote-2"}
	n, err := p.Select(up, "local")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if n != "remote-1" {
		t.Fatalf("expected remote-1 (lexicographic first), got %s", n)
	}
}

func TestSelectTargetHonorsOverride(t *testing.T) {
	up := []coretypes.NodeID{"a", "b"}
	n, err := SelectTarget(up, "b")
	if err != nil || n != "b" {
		t.Fatalf("expected b, nil; got %s, %v", n, err)
	}
	if _, err := SelectTarget(up, "c"); err != corefail.ErrNoSuchNode {
		t.Fatalf("expected ErrNoSuchNode, got %v", err)
	}
}
