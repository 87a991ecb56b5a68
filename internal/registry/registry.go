// Package registry binds task type tags to handler functions.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler processes one task attempt and returns a JSON-serializable result
// or an error. Errors are treated as transient unless the handler wraps them
// with resilience.PermanentHandlerNotFound/PermanentRetriesExhausted-style
// markers — the registry itself only ever returns handler_not_found, which
// the executor always treats as permanent.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Spec binds a handler to its execution mode.
type Spec struct {
	Fn       Handler
	CPUBound bool
}

// Registry is a type tag -> Spec binding. Registration replaces any prior
// binding for that tag.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Spec
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Spec)}
}

// Register binds fn (and its CPU-bound mode) to taskType, replacing any
// prior binding.
func (r *Registry) Register(taskType string, fn Handler, cpuBound bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = Spec{Fn: fn, CPUBound: cpuBound}
}

// ErrNotFound indicates no handler is bound for the requested task type.
var ErrNotFound = fmt.Errorf("handler_not_found")

// Lookup resolves the Spec for taskType, or ErrNotFound.
func (r *Registry) Lookup(taskType string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.handlers[taskType]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, taskType)
	}
	return spec, nil
}

// Types returns the currently registered type tags, for diagnostics.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
