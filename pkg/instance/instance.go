// Package instance implements a single isolated worker execution context
// and the request/response correlation machinery around it.
package instance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isokit/procpool/pkg/protocol"
	"github.com/isokit/procpool/pkg/types"
)

// Status defines the lifecycle state of an instance
type Status int32

const (
	// StatusIdle means the instance can accept a call
	StatusIdle Status = iota
	// StatusBusy means a call is in flight
	StatusBusy
	// StatusError means the instance is unhealthy and awaiting eviction
	StatusError
	// StatusTerminated means the isolated context has been stopped
	StatusTerminated
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// DefaultPingTimeout bounds how long Ping waits for a pong
const DefaultPingTimeout = 5 * time.Second

// Config contains construction parameters for an Instance
type Config struct {
	// ID is the opaque instance identity; generated when empty
	ID string

	// WorkerClass names the worker class hosted by the process
	WorkerClass string

	// Spawner creates the isolated execution context
	Spawner Spawner

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock

	// Logger for diagnostics (optional, defaults to no-op)
	Logger *zap.Logger

	// PingTimeout bounds liveness probes (optional, defaults to 5s)
	PingTimeout time.Duration

	// Restarts records how many replacements preceded this instance
	Restarts int
}

// callOutcome settles one pending call
type callOutcome struct {
	result interface{}
	err    error
}

// pendingCall tracks one in-flight correlation id
type pendingCall struct {
	done chan callOutcome
}

// Instance owns one isolated execution context and mediates message
// correlation with timeout enforcement. An Instance is owned exclusively
// by the pool that created it.
type Instance struct {
	id          string
	workerClass string
	proc        Process
	clock       types.Clock
	logger      *zap.Logger
	pingTimeout time.Duration

	status int32 // atomic Status

	mu      sync.Mutex
	pending map[string]*pendingCall

	createdAt  time.Time
	lastUsedAt int64 // atomic Unix nanoseconds
	executions int64 // atomic
	errorCount int64 // atomic
	restarts   int
}

// New spawns the isolated context and starts observing its messages,
// faults and exit.
func New(ctx context.Context, cfg Config) (*Instance, error) {
	if cfg.WorkerClass == "" {
		return nil, &types.ConfigError{Field: "WorkerClass", Detail: "worker class must not be empty"}
	}
	if cfg.Spawner == nil {
		return nil, &types.ConfigError{Field: "Spawner", Detail: "spawner must not be nil"}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = types.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}

	proc, err := cfg.Spawner.Spawn(ctx, cfg.WorkerClass, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("spawn worker %s: %w", cfg.WorkerClass, err)
	}

	inst := &Instance{
		id:          cfg.ID,
		workerClass: cfg.WorkerClass,
		proc:        proc,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(zap.String("worker_class", cfg.WorkerClass), zap.String("instance", cfg.ID)),
		pingTimeout: cfg.PingTimeout,
		status:      int32(StatusIdle),
		pending:     make(map[string]*pendingCall),
		createdAt:   cfg.Clock.Now(),
		restarts:    cfg.Restarts,
	}

	go inst.watch()

	return inst, nil
}

// watch observes the process until it exits, dispatching responses and
// surfacing faults to in-flight callers instead of letting them hang.
func (i *Instance) watch() {
	messages := i.proc.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				// Transport closed; the exit observer takes it from here.
				messages = nil
				continue
			}
			i.dispatch(msg)
		case err := <-i.proc.Faults():
			i.handleFault(err)
		case <-i.proc.Done():
			i.handleExit()
			return
		}
	}
}

// dispatch routes one terminal response to its pending call. Responses
// are matched by correlation id, never by send order; a response with an
// unknown id is dropped without affecting other calls.
func (i *Instance) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageResult, protocol.MessageError, protocol.MessagePong:
	default:
		i.logger.Error("protocol violation from worker process",
			zap.String("type", string(msg.Type)), zap.String("id", msg.ID))
		atomic.AddInt64(&i.errorCount, 1)
		return
	}

	pc := i.takePending(msg.ID)
	if pc == nil {
		i.logger.Debug("response with unknown correlation id", zap.String("id", msg.ID))
		return
	}

	switch msg.Type {
	case protocol.MessageResult:
		pc.done <- callOutcome{result: msg.Result}
	case protocol.MessagePong:
		pc.done <- callOutcome{}
	case protocol.MessageError:
		pc.done <- callOutcome{err: &types.RemoteError{
			Name:    msg.Error.Name,
			Message: msg.Error.Message,
			Stack:   msg.Error.Stack,
		}}
	}
}

// handleFault marks the instance unhealthy and fails every pending call
// with the fault.
func (i *Instance) handleFault(err error) {
	if i.Status() == StatusTerminated {
		return
	}
	i.logger.Warn("worker process fault", zap.Error(err))
	i.setStatus(StatusError)
	atomic.AddInt64(&i.errorCount, 1)
	i.failAllPending(&types.FaultError{Cause: err})
}

// handleExit marks the instance terminated and fails every pending call
// with the exit code.
func (i *Instance) handleExit() {
	code := i.proc.ExitCode()
	if i.Status() == StatusTerminated {
		// Expected exit after Terminate; nothing is pending.
		i.failAllPending(types.ErrInstanceTerminated)
		return
	}
	i.logger.Warn("worker process exited unexpectedly", zap.Int("exit_code", code))
	i.setStatus(StatusTerminated)
	i.failAllPending(&types.ExitError{Code: code})
}

// Execute invokes the named method inside the isolated context and waits
// for the correlated response, up to timeout. The remote computation is
// not cancelled when the deadline elapses or the context is cancelled;
// the wait is abandoned and the instance is marked unhealthy for the
// next health cycle to replace.
//
// The caller owns the busy reservation: a settled call leaves the
// instance busy so a retry sequence cannot be interleaved with another
// caller's frames. Release returns the instance to the idle state.
func (i *Instance) Execute(ctx context.Context, method string, args []interface{}, timeout time.Duration) (interface{}, error) {
	switch i.Status() {
	case StatusTerminated:
		return nil, types.ErrInstanceTerminated
	case StatusError:
		return nil, types.ErrInstanceUnhealthy
	}

	// Self-reserve when called outside a pool acquisition.
	i.TryAcquire()

	id := uuid.NewString()
	pc := i.addPending(id)

	if err := i.proc.Send(protocol.NewExecute(id, method, args)); err != nil {
		i.takePending(id)
		i.setStatus(StatusError)
		atomic.AddInt64(&i.errorCount, 1)
		return nil, &types.FaultError{Cause: err}
	}

	timer := i.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-pc.done:
		return i.settle(method, out)
	case <-timer.C():
		i.takePending(id)
		i.setStatus(StatusError)
		return nil, fmt.Errorf("method %s: %w", method, types.ErrExecuteTimeout)
	case <-ctx.Done():
		// The remote computation is still running; an abandoned wait is
		// treated like a timeout so the health cycle replaces the instance.
		i.takePending(id)
		i.setStatus(StatusError)
		return nil, ctx.Err()
	}
}

// settle applies the bookkeeping for a terminal response. The busy
// reservation stays with the caller; success and remote failure leave the
// status untouched.
func (i *Instance) settle(method string, out callOutcome) (interface{}, error) {
	atomic.StoreInt64(&i.lastUsedAt, i.clock.Now().UnixNano())

	if out.err == nil {
		atomic.AddInt64(&i.executions, 1)
		return out.result, nil
	}

	if types.IsRemote(out.err) {
		// The worker itself raised; the process is still good.
		atomic.AddInt64(&i.errorCount, 1)
		return nil, fmt.Errorf("method %s: %w", method, out.err)
	}

	// Fault, exit or termination already set the final status.
	return nil, fmt.Errorf("method %s: %w", method, out.err)
}

// Ping probes the isolated context for liveness. It returns false on
// timeout or any failure and never returns an error.
func (i *Instance) Ping(ctx context.Context) bool {
	if !i.IsHealthy() {
		return false
	}

	id := uuid.NewString()
	pc := i.addPending(id)

	if err := i.proc.Send(protocol.NewPing(id)); err != nil {
		i.takePending(id)
		return false
	}

	timer := i.clock.NewTimer(i.pingTimeout)
	defer timer.Stop()

	select {
	case out := <-pc.done:
		return out.err == nil
	case <-timer.C():
		i.takePending(id)
		return false
	case <-ctx.Done():
		i.takePending(id)
		return false
	}
}

// Terminate fails all pending calls, forcibly stops the isolated context
// and marks the instance terminated. It is safe to call more than once.
func (i *Instance) Terminate() error {
	if Status(atomic.SwapInt32(&i.status, int32(StatusTerminated))) == StatusTerminated {
		return nil
	}

	i.failAllPending(fmt.Errorf("instance %s is being terminated: %w", i.id, types.ErrInstanceTerminated))

	if err := i.proc.Kill(); err != nil {
		// The process may already be gone; termination still holds.
		i.logger.Debug("kill after terminate", zap.Error(err))
	}
	return nil
}

// TryAcquire atomically reserves an idle instance. The pool uses it
// during selection so a busy instance is never handed out twice; the
// reservation covers every call the holder issues until Release.
func (i *Instance) TryAcquire() bool {
	return atomic.CompareAndSwapInt32(&i.status, int32(StatusIdle), int32(StatusBusy))
}

// Release returns a reserved instance to the idle state. It is a no-op
// once the instance has turned unhealthy or terminated.
func (i *Instance) Release() {
	atomic.CompareAndSwapInt32(&i.status, int32(StatusBusy), int32(StatusIdle))
}

func (i *Instance) addPending(id string) *pendingCall {
	pc := &pendingCall{done: make(chan callOutcome, 1)}
	i.mu.Lock()
	i.pending[id] = pc
	i.mu.Unlock()
	return pc
}

func (i *Instance) takePending(id string) *pendingCall {
	i.mu.Lock()
	defer i.mu.Unlock()
	pc, ok := i.pending[id]
	if !ok {
		return nil
	}
	delete(i.pending, id)
	return pc
}

func (i *Instance) failAllPending(err error) {
	i.mu.Lock()
	pending := i.pending
	i.pending = make(map[string]*pendingCall)
	i.mu.Unlock()

	for _, pc := range pending {
		pc.done <- callOutcome{err: err}
	}
}

func (i *Instance) setStatus(s Status) {
	atomic.StoreInt32(&i.status, int32(s))
}

// ID returns the instance identity
func (i *Instance) ID() string {
	return i.id
}

// WorkerClass returns the hosted worker class
func (i *Instance) WorkerClass() string {
	return i.workerClass
}

// Status returns the current lifecycle state
func (i *Instance) Status() Status {
	return Status(atomic.LoadInt32(&i.status))
}

// IsAvailable reports whether the instance can accept a call
func (i *Instance) IsAvailable() bool {
	return i.Status() == StatusIdle
}

// IsHealthy reports whether the instance is neither errored nor terminated
func (i *Instance) IsHealthy() bool {
	s := i.Status()
	return s != StatusError && s != StatusTerminated
}

// CreatedAt returns the creation timestamp
func (i *Instance) CreatedAt() time.Time {
	return i.createdAt
}

// LastUsedAt returns the time of the last settled call
func (i *Instance) LastUsedAt() time.Time {
	ns := atomic.LoadInt64(&i.lastUsedAt)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Executions returns the number of successful calls
func (i *Instance) Executions() int64 {
	return atomic.LoadInt64(&i.executions)
}

// ErrorCount returns the number of observed failures
func (i *Instance) ErrorCount() int64 {
	return atomic.LoadInt64(&i.errorCount)
}

// Restarts returns how many replacements preceded this instance
func (i *Instance) Restarts() int {
	return i.restarts
}

// PendingCalls returns the number of in-flight correlation ids
func (i *Instance) PendingCalls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Info captures a point-in-time snapshot of the instance
type Info struct {
	ID         string
	Status     string
	CreatedAt  time.Time
	LastUsedAt time.Time
	Executions int64
	Errors     int64
	Restarts   int
	Pending    int
}

// Info returns a point-in-time snapshot of the instance
func (i *Instance) Info() Info {
	return Info{
		ID:         i.id,
		Status:     i.Status().String(),
		CreatedAt:  i.createdAt,
		LastUsedAt: i.LastUsedAt(),
		Executions: i.Executions(),
		Errors:     i.ErrorCount(),
		Restarts:   i.restarts,
		Pending:    i.PendingCalls(),
	}
}
