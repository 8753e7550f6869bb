// Package registry implements the Function Registry: a process-wide,
// read-only-after-init map from FnID to the callable a worker invokes.
// Grounded in plugins.go's PluginRegistry (Register, built-in
// constructors) generalized from task-type dispatch to opaque
// byte-in/byte-out functions, per spec §4.2.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/taskcore/internal/coretypes"
)

// Func is the signature every registered function implements: it
// receives the task's opaque input and the most recent checkpoint (nil
// if none), and returns an opaque output or an error.
type Func func(ctx context.Context, input []byte, checkpoint []byte) ([]byte, error)

// FunctionRegistry is populated once at startup and read concurrently
// thereafter by every Worker Supervisor on the process (spec §5's
// "Function registry: populated once at init; read-only thereafter").
type FunctionRegistry struct {
	mu    sync.RWMutex
	funcs map[coretypes.FnID]Func
}

// New returns an empty registry with the built-in functions registered.
func New() *FunctionRegistry {
	r := &FunctionRegistry{funcs: make(map[coretypes.FnID]Func)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces the callable for id. Intended to be called
// only during process initialization, before workers start.
func (r *FunctionRegistry) Register(id coretypes.FnID, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[id] = fn
}

// Lookup resolves id to its callable. ok is false for an unregistered
// fn_id, which the Worker Supervisor turns into Exited(abnormal,
// unknown_function) without invoking anything.
func (r *FunctionRegistry) Lookup(id coretypes.FnID) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[id]
	return fn, ok
}

// errUnknown is returned by Invoke, never by Lookup.
func errUnknown(id coretypes.FnID) error {
	return fmt.Errorf("registry: unknown function %q", id)
}

// Invoke is a convenience wrapper combining Lookup + call, used by
// tests. The Task Distributor's local (non-distributed) path calls
// Lookup directly instead.
func (r *FunctionRegistry) Invoke(ctx context.Context, id coretypes.FnID, input, checkpoint []byte) ([]byte, error) {
	fn, ok := r.Lookup(id)
	if !ok {
		return nil, errUnknown(id)
	}
	return fn(ctx, input, checkpoint)
}
