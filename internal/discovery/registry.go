// Package discovery implements Node Discovery: cluster membership
// tracking, heartbeat-driven liveness, and ordered up/down
// notification of subscribers. Grounded in other_examples picoclaw's
// pkg/swarm/failover.go (LastSeen/heartbeat-timeout detection) and
// sync_protocol.go (Up/Down peer lifecycle) — the teacher's own
// services don't implement membership tracking, see DESIGN.md.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/taskcore/internal/corelib/natsctx"
	"github.com/swarmguard/taskcore/internal/coretypes"
)

// State is a membership entry's liveness.
type State string

const (
	Up   State = "up"
	Down State = "down"
)

// EventKind distinguishes the two event shapes delivered to subscribers.
type EventKind string

const (
	EventUp   EventKind = "up"
	EventDown EventKind = "down"
)

// Event is what subscribers receive, in per-node causal order.
type Event struct {
	Kind EventKind
	Node coretypes.NodeID
	At   time.Time
}

type member struct {
	lastSeen time.Time
	state    State
}

// Registry is the membership table for one node's view of the cluster.
// Register/Heartbeat/ListUp/IsUp/Subscribe are safe to call
// concurrently: they read or mutate the table under mu on the calling
// goroutine, which also publishes any resulting Up event. There is no
// inbox; the goroutine started by Run only drives the periodic sweep
// and the optional NATS heartbeat subscription.
type Registry struct {
	mu      sync.RWMutex
	members map[coretypes.NodeID]*member

	subMu sync.Mutex
	subs  []chan Event

	cleanupInterval time.Duration
	localNode       coretypes.NodeID

	nc *nats.Conn

	staleDrops metric.Int64Counter
	upTotal    metric.Int64Counter
	downTotal  metric.Int64Counter
}

// Options configures a Registry.
type Options struct {
	LocalNode       coretypes.NodeID
	CleanupInterval time.Duration // default 30s, spec §6 discovery.cleanup_interval_ms
	NATSConn        *nats.Conn    // optional; nil disables cross-node heartbeat propagation
}

// New builds a Registry. Call Run in a goroutine to start the cleanup
// sweep and (if NATSConn is set) the cross-node heartbeat subscription.
func New(opts Options, meter metric.Meter) *Registry {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 30 * time.Second
	}
	staleDrops, _ := meter.Int64Counter("taskcore_discovery_stale_drops_total")
	upTotal, _ := meter.Int64Counter("taskcore_discovery_up_total")
	downTotal, _ := meter.Int64Counter("taskcore_discovery_down_total")

	return &Registry{
		members:         make(map[coretypes.NodeID]*member),
		cleanupInterval: opts.CleanupInterval,
		localNode:       opts.LocalNode,
		nc:              opts.NATSConn,
		staleDrops:      staleDrops,
		upTotal:         upTotal,
		downTotal:       downTotal,
	}
}

// Run starts the periodic stale-member sweep and, if a NATS connection
// was supplied, the cross-node heartbeat subscription. Blocks until ctx
// is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	if r.nc != nil {
		sub, err := natsctx.Subscribe(r.nc, "taskcore.discovery.heartbeat.*", func(_ context.Context, msg *nats.Msg) {
			r.Heartbeat(coretypes.NodeID(msg.Data))
		})
		if err != nil {
			slog.Warn("discovery: nats heartbeat subscribe failed", "error", err)
		} else {
			defer sub.Unsubscribe()
		}
	}

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

// Register marks node Up with last_seen = now, emitting an Up event if
// it wasn't already Up.
func (r *Registry) Register(node coretypes.NodeID) {
	r.Heartbeat(node)
}

// Heartbeat refreshes last_seen for node, bringing it Up if it was
// previously Down or unknown.
func (r *Registry) Heartbeat(node coretypes.NodeID) {
	now := time.Now()

	r.mu.Lock()
	m, exists := r.members[node]
	wasDown := !exists || m.state == Down
	if !exists {
		m = &member{}
		r.members[node] = m
	}
	m.lastSeen = now
	m.state = Up
	r.mu.Unlock()

	if wasDown {
		r.upTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("node", string(node))))
		r.publish(Event{Kind: EventUp, Node: node, At: now})
	}
}

// ListUp returns a snapshot of currently Up members.
func (r *Registry) ListUp() []coretypes.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]coretypes.NodeID, 0, len(r.members))
	for id, m := range r.members {
		if m.state == Up {
			out = append(out, id)
		}
	}
	return out
}

// IsUp reports whether node is currently Up.
func (r *Registry) IsUp(node coretypes.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[node]
	return ok && m.state == Up
}

// Subscribe registers a channel to receive future Up/Down events. The
// channel is buffered; a subscriber that can't keep up is dropped
// (spec's "weakly tracked" continuation — Go has no finalizer
// equivalent, so unreachability is modeled as a blocked send timing
// out instead).
func (r *Registry) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	live := r.subs[:0]
	for _, ch := range r.subs {
		select {
		case ch <- ev:
			live = append(live, ch)
		case <-time.After(50 * time.Millisecond):
			close(ch) // subscriber unreachable past grace period; drop without error
		}
	}
	r.subs = live
}

// sweep prunes members whose last_seen exceeds cleanupInterval.
func (r *Registry) sweep() {
	now := time.Now()
	var downed []coretypes.NodeID

	r.mu.Lock()
	for id, m := range r.members {
		if m.state == Up && now.Sub(m.lastSeen) > r.cleanupInterval {
			downed = append(downed, id)
			delete(r.members, id)
		}
	}
	r.mu.Unlock()

	for _, id := range downed {
		r.staleDrops.Add(context.Background(), 1, metric.WithAttributes(attribute.String("node", string(id))))
		r.downTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("node", string(id))))
		r.publish(Event{Kind: EventDown, Node: id, At: now})
	}
}

// PublishHeartbeat announces this process's own liveness to the rest
// of the cluster over NATS, for other nodes' Registries to consume.
func (r *Registry) PublishHeartbeat(ctx context.Context) error {
	if r.nc == nil {
		return nil
	}
	subject := "taskcore.discovery.heartbeat." + string(r.localNode)
	return natsctx.Publish(ctx, r.nc, subject, []byte(r.localNode))
}
