// Package placement implements the pluggable node selection policy
// shared by the Task Distributor (initial dispatch) and the Task
// Recovery Monitor (re-dispatch on retry), per spec §4.1/§4.3: "using
// the same selection policy as TD." Load-aware scheduling beyond
// round-robin/local-preferred is an explicit Non-goal.
package placement

import (
	"sort"
	"sync"

	"github.com/swarmguard/taskcore/internal/corefail"
	"github.com/swarmguard/taskcore/internal/coretypes"
)

// Policy picks one node out of the current Up set.
type Policy interface {
	// Select returns a node from up, or ErrNoAvailableNode if up is empty.
	// local is the caller's own node; LocalPreferred uses it, RoundRobin
	// ignores it.
	Select(up []coretypes.NodeID, local coretypes.NodeID) (coretypes.NodeID, error)
}

// RoundRobin cycles over the Up set in lexicographic NodeId order. It
// gives the local node no preference over the others. This is the
// default policy.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) Select(up []coretypes.NodeID, local coretypes.NodeID) (coretypes.NodeID, error) {
	if len(up) == 0 {
		return "", corefail.ErrNoAvailableNode
	}
	sorted := append([]coretypes.NodeID(nil), up...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor >= len(sorted) {
		r.cursor = 0
	}
	chosen := sorted[r.cursor]
	r.cursor = (r.cursor + 1) % len(sorted)
	return chosen, nil
}

// LocalPreferred picks the local node when it is in the Up set, else
// falls back to round-robin over the remainder.
type LocalPreferred struct {
	fallback *RoundRobin
}

func NewLocalPreferred() *LocalPreferred { return &LocalPreferred{fallback: NewRoundRobin()} }

func (l *LocalPreferred) Select(up []coretypes.NodeID, local coretypes.NodeID) (coretypes.NodeID, error) {
	for _, n := range up {
		if n == local {
			return local, nil
		}
	}
	return l.fallback.Select(up, local)
}

// SelectTarget honors an explicit {target_node} override (spec §4.1):
// it must be present in up, otherwise ErrNoSuchNode.
func SelectTarget(up []coretypes.NodeID, target coretypes.NodeID) (coretypes.NodeID, error) {
	for _, n := range up {
		if n == target {
			return target, nil
		}
	}
	return "", corefail.ErrNoSuchNode
}
