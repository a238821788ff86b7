// Package pool manages a right-sized set of isolated worker instances for
// one worker class and provides a single execute entry point with retry,
// scaling and health-driven replacement.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isokit/procpool/internal/metrics"
	"github.com/isokit/procpool/pkg/instance"
	"github.com/isokit/procpool/pkg/retry"
	"github.com/isokit/procpool/pkg/types"
)

// durationRingCap bounds the recent-duration ring used for the moving
// average latency metric; the oldest sample is evicted at capacity.
const durationRingCap = 100

// Config contains construction parameters for a Pool
type Config struct {
	// WorkerClass identifies the worker class this pool owns
	WorkerClass string

	// Options is the pool-level configuration
	Options Options

	// Spawner creates isolated execution contexts for instances
	Spawner instance.Spawner

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	// Logger for diagnostics (optional, defaults to no-op)
	Logger *zap.Logger

	// Metrics receives pool activity (optional)
	Metrics *metrics.Collector
}

// Pool owns every worker instance for one worker class. The instance set
// is mutated only by the pool itself; callers interact through Execute,
// Stats and Shutdown.
type Pool struct {
	workerClass string
	opts        Options
	spawner     instance.Spawner
	clock       types.Clock
	logger      *zap.Logger
	metrics     *metrics.Collector

	mu        sync.RWMutex
	instances map[string]*instance.Instance
	creating  int // reservations for in-progress spawns, guarded by mu

	// restartsExhausted stops top-ups once the restart budget is spent.
	// Only the health cycle goroutine touches it.
	restartsExhausted bool

	totalExecutions int64 // atomic
	totalErrors     int64 // atomic

	durMu     sync.Mutex
	durations []time.Duration
	durNext   int

	closed int32 // atomic
	done   chan struct{}
	wg     sync.WaitGroup
}

// New validates the configuration, synchronously brings the pool up to
// MinInstances and starts the recurring health cycle.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.WorkerClass == "" {
		return nil, &types.ConfigError{Field: "WorkerClass", Detail: "worker class must not be empty"}
	}
	if cfg.Spawner == nil {
		return nil, &types.ConfigError{Field: "Spawner", Detail: "spawner must not be nil"}
	}

	if err := cfg.Options.Normalize(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = types.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		workerClass: cfg.WorkerClass,
		opts:        cfg.Options,
		spawner:     cfg.Spawner,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(zap.String("worker_class", cfg.WorkerClass)),
		metrics:     cfg.Metrics,
		instances:   make(map[string]*instance.Instance),
		durations:   make([]time.Duration, 0, durationRingCap),
		done:        make(chan struct{}),
	}

	for i := 0; i < p.opts.MinInstances; i++ {
		if _, err := p.createInstance(ctx, 0); err != nil {
			p.teardown()
			return nil, err
		}
	}

	p.wg.Add(1)
	go p.healthLoop()

	return p, nil
}

// Execute invokes a method on some available instance of the pool's
// worker class. The call is attempted up to Retries+1 times against the
// same instance, with a linear backoff between attempts. The last
// observed error is surfaced when every attempt fails.
func (p *Pool) Execute(ctx context.Context, method string, args []interface{}, opts MethodOptions) (interface{}, error) {
	if p.isClosed() {
		return nil, types.ErrPoolClosed
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	inst, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	// The reservation is held across the whole attempt sequence, backoff
	// included, so no other caller can slip a frame in between retries.
	defer inst.Release()

	timeout := p.opts.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	policy := retry.NewLinearBackoff(opts.Retries+1, p.opts.RetryBackoff, p.opts.RetryBackoff)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts(); attempt++ {
		start := p.clock.Now()
		result, execErr := inst.Execute(ctx, method, args, timeout)
		if execErr == nil {
			atomic.AddInt64(&p.totalExecutions, 1)
			duration := p.clock.Since(start)
			p.recordDuration(duration)
			if p.metrics != nil {
				p.metrics.RecordExecution(p.workerClass, duration)
			}
			return result, nil
		}

		// Every failed attempt counts toward the error total.
		lastErr = execErr
		atomic.AddInt64(&p.totalErrors, 1)
		if p.metrics != nil {
			p.metrics.RecordError(p.workerClass)
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// A faulted or exited instance cannot serve the remaining
		// attempts; surface the failure that broke it.
		if !inst.IsHealthy() {
			break
		}
		if !policy.ShouldRetry(execErr, attempt) {
			break
		}

		delay := policy.NextDelay(attempt)
		p.logger.Warn("execution attempt failed, backing off",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(execErr))

		select {
		case <-p.clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, types.ErrPoolClosed
		}
	}

	return nil, lastErr
}

// acquire obtains an instance for one call: first idle match, then
// on-demand creation under MaxInstances, then polling until the wait
// bound elapses.
func (p *Pool) acquire(ctx context.Context) (*instance.Instance, error) {
	deadline := p.clock.Now().Add(p.opts.AcquireTimeout)

	for {
		if p.isClosed() {
			return nil, types.ErrPoolClosed
		}

		p.mu.Lock()
		var found *instance.Instance
		for _, inst := range p.instances {
			if inst.TryAcquire() {
				found = inst
				break
			}
		}
		canCreate := found == nil && len(p.instances)+p.creating < p.opts.MaxInstances
		if canCreate {
			p.creating++
		}
		p.mu.Unlock()

		if found != nil {
			return found, nil
		}

		if canCreate {
			inst, err := p.createInstance(ctx, 0)
			p.mu.Lock()
			p.creating--
			p.mu.Unlock()

			if err == nil {
				if inst.TryAcquire() {
					return inst, nil
				}
				continue
			}
			// Fall through to the poll wait so repeated spawn
			// failures do not spin.
			p.logger.Warn("on-demand instance creation failed", zap.Error(err))
		}

		if !p.clock.Now().Before(deadline) {
			return nil, types.ErrNoInstancesAvailable
		}

		select {
		case <-p.clock.After(p.opts.AcquirePollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, types.ErrPoolClosed
		}
	}
}

// createInstance spawns a new instance and registers it with the pool
func (p *Pool) createInstance(ctx context.Context, restarts int) (*instance.Instance, error) {
	inst, err := instance.New(ctx, instance.Config{
		WorkerClass: p.workerClass,
		Spawner:     p.spawner,
		Clock:       p.clock,
		Logger:      p.logger,
		PingTimeout: p.opts.PingTimeout,
		Restarts:    restarts,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.isClosed() {
		p.mu.Unlock()
		_ = inst.Terminate()
		return nil, types.ErrPoolClosed
	}
	p.instances[inst.ID()] = inst
	p.mu.Unlock()

	p.publishGauges()
	p.logger.Debug("instance created", zap.String("instance", inst.ID()))
	return inst, nil
}

// healthLoop runs the recurring health cycle until shutdown
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C():
			p.checkInstances(context.Background())
		}
	}
}

// checkInstances inspects every instance over a snapshot, evicts the
// unhealthy and the unresponsive, and tops the pool back up to
// MinInstances. Replacement failures are logged, never propagated, so one
// failure does not block the others.
func (p *Pool) checkInstances(ctx context.Context) {
	p.mu.RLock()
	snapshot := make([]*instance.Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		snapshot = append(snapshot, inst)
	}
	p.mu.RUnlock()

	var evict []*instance.Instance
	for _, inst := range snapshot {
		if !inst.IsHealthy() {
			evict = append(evict, inst)
			continue
		}
		if inst.IsAvailable() && !inst.Ping(ctx) {
			p.logger.Warn("instance failed liveness probe", zap.String("instance", inst.ID()))
			evict = append(evict, inst)
		}
	}

	maxRestarts := 0
	for _, inst := range evict {
		if err := inst.Terminate(); err != nil {
			p.logger.Warn("terminating evicted instance", zap.String("instance", inst.ID()), zap.Error(err))
		}
		if inst.Restarts() > maxRestarts {
			maxRestarts = inst.Restarts()
		}

		p.mu.Lock()
		delete(p.instances, inst.ID())
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.RecordRestart(p.workerClass)
		}
		p.logger.Info("instance evicted", zap.String("instance", inst.ID()))
	}

	p.replenish(ctx, len(evict) > 0, maxRestarts)
	p.publishGauges()
}

// replenish restores MinInstances after eviction. Once the restart budget
// for a lineage is spent the pool stops replacing that capacity.
func (p *Pool) replenish(ctx context.Context, evicted bool, priorRestarts int) {
	restarts := 0
	if evicted {
		restarts = priorRestarts + 1
		if p.opts.AutoRestart {
			if p.opts.MaxRestartAttempts > 0 && restarts > p.opts.MaxRestartAttempts {
				p.restartsExhausted = true
				p.logger.Error("restart attempts exhausted, not replacing instances",
					zap.Int("restarts", priorRestarts))
				return
			}
			if p.opts.RestartDelay > 0 {
				select {
				case <-p.clock.After(p.opts.RestartDelay):
				case <-p.done:
					return
				}
			}
		}
	}
	if p.restartsExhausted {
		return
	}

	for {
		p.mu.RLock()
		count := len(p.instances)
		p.mu.RUnlock()
		if count >= p.opts.MinInstances {
			return
		}

		if _, err := p.createInstance(ctx, restarts); err != nil {
			p.logger.Error("replacement instance creation failed", zap.Error(err))
			return
		}
	}
}

// Shutdown stops the health cycle, concurrently terminates every instance
// and clears the instance set. It is safe to call once; Execute against a
// shut-down pool fails with ErrPoolClosed.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	close(p.done)
	p.wg.Wait()

	p.teardown()
	p.logger.Info("pool shut down")
	return ctx.Err()
}

// teardown terminates and drops every instance
func (p *Pool) teardown() {
	p.mu.Lock()
	instances := p.instances
	p.instances = make(map[string]*instance.Instance)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(in *instance.Instance) {
			defer wg.Done()
			if err := in.Terminate(); err != nil {
				p.logger.Warn("terminating instance", zap.String("instance", in.ID()), zap.Error(err))
			}
		}(inst)
	}
	wg.Wait()

	p.publishGauges()
}

// recordDuration appends to the bounded recent-duration ring
func (p *Pool) recordDuration(d time.Duration) {
	p.durMu.Lock()
	defer p.durMu.Unlock()

	if len(p.durations) < durationRingCap {
		p.durations = append(p.durations, d)
		return
	}
	p.durations[p.durNext] = d
	p.durNext = (p.durNext + 1) % durationRingCap
}

// averageDuration computes the moving average over the ring
func (p *Pool) averageDuration() time.Duration {
	p.durMu.Lock()
	defer p.durMu.Unlock()

	if len(p.durations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range p.durations {
		sum += d
	}
	return sum / time.Duration(len(p.durations))
}

// publishGauges pushes instance counts to the metrics collector
func (p *Pool) publishGauges() {
	if p.metrics == nil {
		return
	}
	p.metrics.SetInstances(p.workerClass, p.InstanceCount(), p.AvailableCount())
}

func (p *Pool) isClosed() bool {
	return atomic.LoadInt32(&p.closed) == 1
}

// WorkerClass returns the worker class this pool owns
func (p *Pool) WorkerClass() string {
	return p.workerClass
}

// InstanceCount returns the live instance count
func (p *Pool) InstanceCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances)
}

// AvailableCount returns the number of idle instances
func (p *Pool) AvailableCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	available := 0
	for _, inst := range p.instances {
		if inst.IsAvailable() {
			available++
		}
	}
	return available
}

// Stats is a read-only snapshot of the pool
type Stats struct {
	WorkerClass     string
	Options         Options
	Instances       []instance.Info
	TotalExecutions int64
	TotalErrors     int64
	AverageDuration time.Duration
	InstanceCount   int
	AvailableCount  int
}

// Stats returns a read-only snapshot of the pool
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	infos := make([]instance.Info, 0, len(p.instances))
	available := 0
	for _, inst := range p.instances {
		infos = append(infos, inst.Info())
		if inst.IsAvailable() {
			available++
		}
	}
	count := len(p.instances)
	p.mu.RUnlock()

	return Stats{
		WorkerClass:     p.workerClass,
		Options:         p.opts,
		Instances:       infos,
		TotalExecutions: atomic.LoadInt64(&p.totalExecutions),
		TotalErrors:     atomic.LoadInt64(&p.totalErrors),
		AverageDuration: p.averageDuration(),
		InstanceCount:   count,
		AvailableCount:  available,
	}
}
