package tasks

import (
	"sort"
	"sync"

	"github.com/loomengine/loom/pkg/schema"
)

// Registry is a thread-safe lookup of runners keyed by node kind.
type Registry struct {
	mu      sync.RWMutex
	runners map[schema.NodeKind]Runner
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[schema.NodeKind]Runner),
	}
}

// Register binds a runner to a node kind. Returns error on duplicate kind.
func (r *Registry) Register(kind schema.NodeKind, runner Runner) error {
	if runner == nil {
		return schema.NewError(schema.ErrCodeValidation, "runner is nil")
	}
	if !kind.Runnable() {
		return schema.NewErrorf(schema.ErrCodeValidation, "node kind %q is not runnable", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runners[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "runner for kind %q already registered", kind)
	}

	r.runners[kind] = runner
	return nil
}

// Get retrieves the runner for a node kind.
func (r *Registry) Get(kind schema.NodeKind) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeRunnerUnavailable, "no runner registered for kind %q", kind)
	}
	return runner, nil
}

// Has checks if a runner is registered for the given kind.
func (r *Registry) Has(kind schema.NodeKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[kind]
	return ok
}

// Kinds returns the registered node kinds, sorted.
func (r *Registry) Kinds() []schema.NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.NodeKind, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
