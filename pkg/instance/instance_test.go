package instance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isokit/procpool/internal/testutils"
	"github.com/isokit/procpool/pkg/instance"
	"github.com/isokit/procpool/pkg/protocol"
	"github.com/isokit/procpool/pkg/types"
)

func newTestInstance(t *testing.T, reply testutils.ReplyFunc) (*instance.Instance, *testutils.FakeProcess) {
	t.Helper()

	spawner := testutils.NewFakeSpawner(reply)
	inst, err := instance.New(context.Background(), instance.Config{
		WorkerClass: "test-worker",
		Spawner:     spawner,
		PingTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	procs := spawner.Spawned()
	require.Len(t, procs, 1)

	t.Cleanup(func() { _ = inst.Terminate() })
	return inst, procs[0]
}

// silentReply answers pings but leaves executes pending
func silentReply(msg protocol.Message) *protocol.Message {
	if msg.Type == protocol.MessagePing {
		reply := protocol.NewPong(msg.ID)
		return &reply
	}
	return nil
}

// waitForPending blocks until n calls are in flight
func waitForPending(t *testing.T, inst *instance.Instance, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return inst.PendingCalls() == n
	}, time.Second, time.Millisecond)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  instance.Config
	}{
		{
			name: "missing worker class",
			cfg:  instance.Config{Spawner: testutils.NewFakeSpawner(nil)},
		},
		{
			name: "missing spawner",
			cfg:  instance.Config{WorkerClass: "w"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := instance.New(context.Background(), tt.cfg)
			assert.Error(t, err)
			assert.Nil(t, inst)
		})
	}
}

func TestNewSpawnFailure(t *testing.T) {
	spawner := testutils.NewFakeSpawner(nil)
	spawner.SetSpawnError(errors.New("no such binary"))

	inst, err := instance.New(context.Background(), instance.Config{
		WorkerClass: "w",
		Spawner:     spawner,
	})
	assert.Error(t, err)
	assert.Nil(t, inst)
}

func TestExecuteSuccess(t *testing.T) {
	inst, _ := newTestInstance(t, nil)

	result, err := inst.Execute(context.Background(), "echo", []interface{}{"hello"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)

	// The settled call leaves the reservation with the caller.
	assert.Equal(t, instance.StatusBusy, inst.Status())
	assert.False(t, inst.TryAcquire())

	inst.Release()
	assert.Equal(t, instance.StatusIdle, inst.Status())
	assert.True(t, inst.IsAvailable())
	assert.Equal(t, int64(1), inst.Executions())
	assert.Equal(t, int64(0), inst.ErrorCount())
	assert.Equal(t, 0, inst.PendingCalls())
	assert.False(t, inst.LastUsedAt().IsZero())
}

func TestExecuteRemoteError(t *testing.T) {
	inst, _ := newTestInstance(t, func(msg protocol.Message) *protocol.Message {
		if msg.Type != protocol.MessageExecute {
			return nil
		}
		reply := protocol.NewError(msg.ID, protocol.ErrorInfo{
			Name:    "ValueError",
			Message: "bad input",
			Stack:   "worker.go:42",
		})
		return &reply
	})

	_, err := inst.Execute(context.Background(), "compute", nil, time.Second)
	require.Error(t, err)

	var remote *types.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "ValueError", remote.Name)
	assert.Equal(t, "bad input", remote.Message)
	assert.Equal(t, "worker.go:42", remote.Stack)

	// A remote failure leaves the process healthy and the reservation
	// with the caller, who may retry on the same instance.
	assert.True(t, inst.IsHealthy())
	assert.Equal(t, instance.StatusBusy, inst.Status())
	assert.Equal(t, int64(1), inst.ErrorCount())
	assert.Equal(t, int64(0), inst.Executions())

	inst.Release()
	assert.True(t, inst.IsAvailable())
}

func TestExecuteTimeout(t *testing.T) {
	inst, _ := newTestInstance(t, silentReply)

	start := time.Now()
	_, err := inst.Execute(context.Background(), "slow", nil, 20*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, types.ErrExecuteTimeout)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Equal(t, instance.StatusError, inst.Status())
	assert.False(t, inst.IsHealthy())
	assert.Equal(t, 0, inst.PendingCalls(), "timed-out call is dropped")
}

func TestExecuteContextCancelledMarksError(t *testing.T) {
	inst, _ := newTestInstance(t, silentReply)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := inst.Execute(ctx, "slow", nil, time.Minute)
		errCh <- err
	}()
	waitForPending(t, inst, 1)
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)

	// The remote computation is still running; like a timeout, the
	// abandoned wait leaves the instance for the health cycle to replace.
	assert.Equal(t, instance.StatusError, inst.Status())
	assert.False(t, inst.IsHealthy())
	assert.Equal(t, 0, inst.PendingCalls())
}

func TestExecuteRejectsWhenTerminated(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	require.NoError(t, inst.Terminate())

	_, err := inst.Execute(context.Background(), "echo", nil, time.Second)
	assert.ErrorIs(t, err, types.ErrInstanceTerminated)
}

func TestExecuteRejectsWhenErrored(t *testing.T) {
	inst, _ := newTestInstance(t, silentReply)

	_, err := inst.Execute(context.Background(), "slow", nil, 10*time.Millisecond)
	require.ErrorIs(t, err, types.ErrExecuteTimeout)

	_, err = inst.Execute(context.Background(), "echo", nil, time.Second)
	assert.ErrorIs(t, err, types.ErrInstanceUnhealthy)
}

func TestPing(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	assert.True(t, inst.Ping(context.Background()))
}

func TestPingTimeoutReturnsFalse(t *testing.T) {
	inst, _ := newTestInstance(t, func(msg protocol.Message) *protocol.Message {
		return nil // never answer anything
	})

	start := time.Now()
	ok := inst.Ping(context.Background())
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, inst.PendingCalls())
}

func TestPingOnUnhealthyInstance(t *testing.T) {
	inst, _ := newTestInstance(t, nil)
	require.NoError(t, inst.Terminate())
	assert.False(t, inst.Ping(context.Background()))
}

func TestTerminateFailsPendingCalls(t *testing.T) {
	inst, proc := newTestInstance(t, silentReply)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inst.Execute(context.Background(), "slow", nil, time.Minute)
			errs <- err
		}()
	}
	waitForPending(t, inst, 2)

	require.NoError(t, inst.Terminate())
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, types.ErrInstanceTerminated)
	}
	assert.Equal(t, instance.StatusTerminated, inst.Status())
	assert.False(t, inst.IsHealthy())

	select {
	case <-proc.Done():
	default:
		t.Fatal("terminate must stop the process")
	}

	// Idempotent: nothing pending on the second call.
	assert.NoError(t, inst.Terminate())
}

func TestFaultFailsPendingCalls(t *testing.T) {
	inst, proc := newTestInstance(t, silentReply)

	errCh := make(chan error, 1)
	go func() {
		_, err := inst.Execute(context.Background(), "slow", nil, time.Minute)
		errCh <- err
	}()
	waitForPending(t, inst, 1)

	proc.Fault(errors.New("pipe broke"))

	err := <-errCh
	var fault *types.FaultError
	require.ErrorAs(t, err, &fault)

	assert.Equal(t, instance.StatusError, inst.Status())
	assert.Equal(t, int64(1), inst.ErrorCount())
}

func TestExitFailsPendingCalls(t *testing.T) {
	inst, proc := newTestInstance(t, silentReply)

	errCh := make(chan error, 1)
	go func() {
		_, err := inst.Execute(context.Background(), "slow", nil, time.Minute)
		errCh <- err
	}()
	waitForPending(t, inst, 1)

	proc.Exit(3)

	err := <-errCh
	var exit *types.ExitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 3, exit.Code)

	assert.Equal(t, instance.StatusTerminated, inst.Status())
}

func TestUnknownCorrelationIDIgnored(t *testing.T) {
	inst, proc := newTestInstance(t, nil)

	proc.Inject(protocol.NewResult("no-such-call", "orphan"))

	// The instance keeps working after the stray response.
	result, err := inst.Execute(context.Background(), "echo", []interface{}{"still alive"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still alive", result)
}

func TestProtocolViolationInbound(t *testing.T) {
	inst, proc := newTestInstance(t, nil)

	// An execute message flowing toward the coordinator violates the
	// contract; it is counted but does not break the instance.
	proc.Inject(protocol.NewExecute("bad", "m", nil))

	require.Eventually(t, func() bool {
		return inst.ErrorCount() == 1
	}, time.Second, time.Millisecond)

	result, err := inst.Execute(context.Background(), "echo", []interface{}{"ok"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestSendFailureMarksInstance(t *testing.T) {
	inst, proc := newTestInstance(t, nil)
	proc.SetSendError(errors.New("stdin closed"))

	_, err := inst.Execute(context.Background(), "echo", nil, time.Second)
	var fault *types.FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, instance.StatusError, inst.Status())
}

func TestTryAcquireRelease(t *testing.T) {
	inst, _ := newTestInstance(t, nil)

	assert.True(t, inst.TryAcquire())
	assert.False(t, inst.TryAcquire(), "busy instance is never handed out twice")
	assert.Equal(t, instance.StatusBusy, inst.Status())

	inst.Release()
	assert.True(t, inst.IsAvailable())
	assert.True(t, inst.TryAcquire())
}

func TestInfoSnapshot(t *testing.T) {
	inst, _ := newTestInstance(t, nil)

	_, err := inst.Execute(context.Background(), "echo", []interface{}{"x"}, time.Second)
	require.NoError(t, err)
	inst.Release()

	info := inst.Info()
	assert.Equal(t, inst.ID(), info.ID)
	assert.Equal(t, "idle", info.Status)
	assert.Equal(t, int64(1), info.Executions)
	assert.Equal(t, int64(0), info.Errors)
	assert.Equal(t, 0, info.Pending)
	assert.False(t, info.CreatedAt.IsZero())
}
