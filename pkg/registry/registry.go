// Package registry maps string references to task functions. Registries are
// scope-isolated so that independently loaded bundles cannot shadow each
// other's tasks.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultScope is used when callers need no isolation.
const DefaultScope = "default"

// TaskContext carries everything a task function may consult. Data is the
// run's current data; Args are the static arguments from the node
// definition.
type TaskContext struct {
	RunID  string
	NodeID string
	Args   map[string]any
	Data   map[string]any
	Logger *slog.Logger
}

// TaskFunction is the calling convention for registered tasks: it receives
// the run's current data and returns a partial update to merge. Returning a
// *SuspendError pauses the run cooperatively; any other error fails it.
//
// Task functions are assumed deterministic with respect to their input data;
// the engine replays them on resume and does not preserve call stacks.
type TaskFunction func(ctx context.Context, tc TaskContext) (map[string]any, error)

// Registry is an injectable, scope-isolated task registry. It is safe for
// concurrent use.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	scopes map[string]map[string]TaskFunction
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		scopes: make(map[string]map[string]TaskFunction),
	}
}

// Register binds fn to reference within scope. Re-registration is not
// silently allowed, to catch accidental collisions between bundles.
func (r *Registry) Register(reference string, fn TaskFunction, scope string) error {
	if scope == "" {
		scope = DefaultScope
	}

	if reference == "" {
		return &InvalidTaskError{Reference: reference, Scope: scope, Reason: "empty reference"}
	}

	if fn == nil {
		return &InvalidTaskError{Reference: reference, Scope: scope, Reason: "task function is nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tasks, ok := r.scopes[scope]
	if !ok {
		tasks = make(map[string]TaskFunction)
		r.scopes[scope] = tasks
	}

	if _, exists := tasks[reference]; exists {
		return &DuplicateTaskError{Reference: reference, Scope: scope}
	}

	tasks[reference] = fn

	r.logger.Debug("Registered task function", "reference", reference, "scope", scope)

	return nil
}

// MustRegister is Register for process-startup wiring where a failure is a
// programming error.
func (r *Registry) MustRegister(reference string, fn TaskFunction, scope string) {
	if err := r.Register(reference, fn, scope); err != nil {
		panic(fmt.Sprintf("registry: %v", err))
	}
}

// Resolve returns the task function bound to reference within scope.
func (r *Registry) Resolve(reference, scope string) (TaskFunction, error) {
	if scope == "" {
		scope = DefaultScope
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if fn, ok := r.scopes[scope][reference]; ok {
		return fn, nil
	}

	return nil, &UnknownTaskError{Reference: reference, Scope: scope}
}

// References lists the registered references in a scope, for diagnostics.
func (r *Registry) References(scope string) []string {
	if scope == "" {
		scope = DefaultScope
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.scopes[scope]))
	for ref := range r.scopes[scope] {
		refs = append(refs, ref)
	}

	return refs
}
