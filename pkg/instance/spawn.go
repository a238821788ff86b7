package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/isokit/procpool/pkg/protocol"
	"github.com/isokit/procpool/pkg/types"
)

// Bootstrap parameters passed to the worker process environment
const (
	// EnvWorkerClass names the worker class the runtime must load
	EnvWorkerClass = "PROCPOOL_WORKER_CLASS"
	// EnvInstanceID carries the owning instance identity
	EnvInstanceID = "PROCPOOL_INSTANCE_ID"
)

// Process is one live isolated execution context as seen from the
// coordinator. Implementations deliver inbound frames on Messages,
// asynchronous transport faults on Faults, and close Done when the
// underlying context exits.
type Process interface {
	// Send writes a message to the process
	Send(msg protocol.Message) error

	// Messages delivers inbound frames; closed when the transport ends
	Messages() <-chan protocol.Message

	// Faults delivers asynchronous transport or protocol faults
	Faults() <-chan error

	// Done is closed once the process has exited
	Done() <-chan struct{}

	// ExitCode returns the process exit code; valid after Done is closed
	ExitCode() int

	// Kill forcibly stops the process
	Kill() error
}

// Spawner creates isolated execution contexts. It is the pluggable
// bootstrap step: production code uses ExecSpawner, tests substitute
// in-memory fakes.
type Spawner interface {
	Spawn(ctx context.Context, workerClass, instanceID string) (Process, error)
}

// ExecSpawner launches a worker binary with os/exec, wiring the message
// protocol over the child's stdin/stdout. The worker class and instance
// id are injected through the environment; stderr is passed through so
// runtime logs stay visible.
type ExecSpawner struct {
	// Command is the worker binary to run
	Command string

	// Args are extra arguments passed to the binary
	Args []string

	// Env are extra KEY=VALUE entries appended to the environment
	Env []string

	// Stderr receives the child's stderr; defaults to os.Stderr
	Stderr io.Writer

	// Logger used for transport diagnostics; defaults to a no-op logger
	Logger *zap.Logger
}

// Spawn starts the worker binary and returns its process handle
func (s *ExecSpawner) Spawn(ctx context.Context, workerClass, instanceID string) (Process, error) {
	if s.Command == "" {
		return nil, &types.ConfigError{Field: "Command", Detail: "spawner command must not be empty"}
	}

	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%s", EnvWorkerClass, workerClass),
		fmt.Sprintf("%s=%s", EnvInstanceID, instanceID),
	)
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	p := &execProcess{
		cmd:      cmd,
		enc:      protocol.NewEncoder(stdin),
		dec:      protocol.NewDecoder(stdout),
		logger:   logger.With(zap.String("instance", instanceID), zap.Int("pid", cmd.Process.Pid)),
		messages: make(chan protocol.Message, 16),
		faults:   make(chan error, 4),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	go p.readLoop()
	go p.waitLoop()

	return p, nil
}

// execProcess adapts an os/exec child to the Process interface
type execProcess struct {
	cmd *exec.Cmd
	enc *protocol.Encoder
	dec *protocol.Decoder

	logger   *zap.Logger
	messages chan protocol.Message
	faults   chan error
	done     chan struct{}
	readDone chan struct{}
	exitCode int
}

func (p *execProcess) Send(msg protocol.Message) error {
	return p.enc.Encode(msg)
}

func (p *execProcess) Messages() <-chan protocol.Message {
	return p.messages
}

func (p *execProcess) Faults() <-chan error {
	return p.faults
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitCode() int {
	return p.exitCode
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// readLoop decodes frames from the child's stdout until the pipe closes.
// A malformed frame is reported as a fault; a frame that merely violates
// message invariants is reported but the stream keeps being read.
func (p *execProcess) readLoop() {
	defer close(p.readDone)
	defer close(p.messages)

	for {
		msg, err := p.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return
			}

			var protoErr *types.ProtocolError
			if errors.As(err, &protoErr) {
				p.reportFault(err)
				continue
			}

			// Malformed JSON leaves the stream unusable.
			p.reportFault(err)
			return
		}
		p.messages <- msg
	}
}

// waitLoop reaps the child after all stdout reads have completed
func (p *execProcess) waitLoop() {
	<-p.readDone

	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
		}
	} else {
		p.exitCode = 0
	}

	close(p.done)
}

func (p *execProcess) reportFault(err error) {
	select {
	case p.faults <- err:
	default:
		p.logger.Warn("dropping transport fault, fault channel full", zap.Error(err))
	}
}
