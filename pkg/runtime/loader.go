// Package runtime implements the bootstrap that runs inside the isolated
// worker process: it resolves the target worker class, builds its method
// dispatch table once, and answers messages from the coordinator.
package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Method is one invocable worker method. Arguments arrive as decoded JSON
// values in wire order; the return value must be JSON-serializable.
type Method func(args []interface{}) (interface{}, error)

// Dispatch maps method names to invocation closures. The table is built
// once at load time; unknown names are rejected with a protocol error
// instead of being resolved reflectively at call time.
type Dispatch map[string]Method

// Factory constructs the dispatch table for one worker class, typically
// by instantiating the user's worker type and binding its methods.
type Factory func() (Dispatch, error)

// Loader resolves a worker class name to its dispatch table. Loaders are
// tried in order by a Chain, mirroring the conventional lookup locations
// a worker may live in.
type Loader interface {
	Load(workerClass string) (Dispatch, error)
}

// LoaderFunc adapts a function to the Loader interface
type LoaderFunc func(workerClass string) (Dispatch, error)

// Load implements Loader
func (f LoaderFunc) Load(workerClass string) (Dispatch, error) {
	return f(workerClass)
}

// Registry is a Loader backed by explicitly registered factories. Worker
// binaries register their classes at startup; this is the default lookup
// strategy.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty class registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a worker class name
func (r *Registry) Register(workerClass string, factory Factory) error {
	if workerClass == "" {
		return fmt.Errorf("worker class name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for %q must not be nil", workerClass)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[workerClass]; exists {
		return fmt.Errorf("worker class %q already registered", workerClass)
	}
	r.factories[workerClass] = factory
	return nil
}

// MustRegister is Register that panics on error, for init-time wiring
func (r *Registry) MustRegister(workerClass string, factory Factory) {
	if err := r.Register(workerClass, factory); err != nil {
		panic(err)
	}
}

// Classes returns the registered worker class names in sorted order
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes := make([]string, 0, len(r.factories))
	for class := range r.factories {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// Load implements Loader
func (r *Registry) Load(workerClass string) (Dispatch, error) {
	r.mu.RLock()
	factory, ok := r.factories[workerClass]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("worker class %q not registered", workerClass)
	}

	dispatch, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct worker class %q: %w", workerClass, err)
	}
	if len(dispatch) == 0 {
		return nil, fmt.Errorf("worker class %q exposes no methods", workerClass)
	}
	return dispatch, nil
}

// Chain tries each loader in order and returns the first table found.
// All failures are reported when no loader succeeds.
type Chain []Loader

// Load implements Loader
func (c Chain) Load(workerClass string) (Dispatch, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("no loaders configured")
	}

	var errs []error
	for _, loader := range c {
		dispatch, err := loader.Load(workerClass)
		if err == nil {
			return dispatch, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("worker class %q not found by any loader: %v", workerClass, errs)
}
