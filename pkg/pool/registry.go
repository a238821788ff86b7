package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds one pool per worker class. It has an explicit lifecycle:
// created at application startup, passed by reference to anything needing
// pool access, and shut down before process exit. It is never an ambient
// singleton.
type Registry struct {
	logger *zap.Logger

	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		pools:  make(map[string]*Pool),
	}
}

// Register adds a pool for its worker class. Registering the same class
// twice is an error.
func (r *Registry) Register(p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	class := p.WorkerClass()
	if _, exists := r.pools[class]; exists {
		return fmt.Errorf("worker class %q already registered", class)
	}
	r.pools[class] = p
	return nil
}

// Get returns the pool for a worker class
func (r *Registry) Get(workerClass string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[workerClass]
	return p, ok
}

// Classes returns the registered worker classes in sorted order
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes := make([]string, 0, len(r.pools))
	for class := range r.pools {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// Stats returns a snapshot of every registered pool
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	stats := make([]Stats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].WorkerClass < stats[j].WorkerClass })
	return stats
}

// Shutdown stops every registered pool and clears the registry. Failures
// are logged and the first one is returned after all pools were attempted.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	var firstErr error
	var wg sync.WaitGroup
	var errMu sync.Mutex

	for class, p := range pools {
		wg.Add(1)
		go func(class string, p *Pool) {
			defer wg.Done()
			if err := p.Shutdown(ctx); err != nil {
				r.logger.Warn("pool shutdown failed", zap.String("worker_class", class), zap.Error(err))
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(class, p)
	}
	wg.Wait()

	return firstErr
}
