package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isokit/procpool/pkg/instance"
	"github.com/isokit/procpool/pkg/protocol"
	"github.com/isokit/procpool/pkg/types"
)

// Options configures the runtime loop
type Options struct {
	// Loader resolves the worker class; required
	Loader Loader

	// WorkerClass overrides the PROCPOOL_WORKER_CLASS environment value
	WorkerClass string

	// InstanceID overrides the PROCPOOL_INSTANCE_ID environment value
	InstanceID string

	// In is the message source; defaults to os.Stdin
	In io.Reader

	// Out is the message sink; defaults to os.Stdout
	Out io.Writer

	// Logger for diagnostics; must not write to Out. Defaults to a
	// stderr logger.
	Logger *zap.Logger
}

// Serve loads the worker class and answers messages until the coordinator
// closes the transport. A load failure or a broken transport is fatal and
// returned to the caller; Main turns that into a process exit the owning
// instance observes as an exit event.
func Serve(ctx context.Context, opts Options) error {
	if opts.Loader == nil {
		return fmt.Errorf("runtime: loader must not be nil")
	}
	if opts.WorkerClass == "" {
		opts.WorkerClass = os.Getenv(instance.EnvWorkerClass)
	}
	if opts.InstanceID == "" {
		opts.InstanceID = os.Getenv(instance.EnvInstanceID)
	}
	if opts.WorkerClass == "" {
		return fmt.Errorf("runtime: worker class not set (missing %s)", instance.EnvWorkerClass)
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	logger := opts.Logger
	if logger == nil {
		logger = StderrLogger()
	}
	logger = logger.With(
		zap.String("worker_class", opts.WorkerClass),
		zap.String("instance", opts.InstanceID),
	)

	dispatch, err := opts.Loader.Load(opts.WorkerClass)
	if err != nil {
		return fmt.Errorf("runtime: load worker class: %w", err)
	}
	logger.Info("worker runtime ready", zap.Int("methods", len(dispatch)))

	enc := protocol.NewEncoder(opts.Out)
	dec := protocol.NewDecoder(opts.In)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("coordinator closed transport, shutting down")
				return nil
			}

			var protoErr *types.ProtocolError
			if errors.As(err, &protoErr) {
				// A structurally invalid frame is reported back, not
				// silently dropped.
				reply := protocol.NewError(msg.ID, protocol.ErrorInfo{
					Name:    "ProtocolError",
					Message: protoErr.Error(),
				})
				if encErr := enc.Encode(reply); encErr != nil {
					return fmt.Errorf("runtime: write error reply: %w", encErr)
				}
				continue
			}

			// Malformed JSON is fatal; the stream cannot recover.
			return fmt.Errorf("runtime: decode message: %w", err)
		}

		var reply protocol.Message
		switch msg.Type {
		case protocol.MessageExecute:
			reply = invoke(dispatch, msg)
		case protocol.MessagePing:
			reply = protocol.NewPong(msg.ID)
		default:
			reply = protocol.NewError(msg.ID, protocol.ErrorInfo{
				Name:    "ProtocolError",
				Message: fmt.Sprintf("unexpected message type %q", msg.Type),
			})
		}

		if err := enc.Encode(reply); err != nil {
			return fmt.Errorf("runtime: write reply: %w", err)
		}
	}
}

// invoke dispatches one execute message through the method table,
// capturing panics as error replies with the remote stack preserved.
func invoke(dispatch Dispatch, msg protocol.Message) (reply protocol.Message) {
	method, ok := dispatch[msg.Method]
	if !ok {
		return protocol.NewError(msg.ID, protocol.ErrorInfo{
			Name:    "ProtocolError",
			Message: fmt.Sprintf("unknown method %q", msg.Method),
		})
	}

	defer func() {
		if r := recover(); r != nil {
			reply = protocol.NewError(msg.ID, protocol.ErrorInfo{
				Name:    fmt.Sprintf("%T", r),
				Message: fmt.Sprintf("panic: %v", r),
				Stack:   string(debug.Stack()),
			})
		}
	}()

	result, err := method(msg.Args)
	if err != nil {
		return protocol.NewError(msg.ID, protocol.ErrorInfo{
			Name:    fmt.Sprintf("%T", err),
			Message: err.Error(),
		})
	}
	return protocol.NewResult(msg.ID, result)
}

// Main runs Serve with the given loader and exits the process on fatal
// conditions, which the owning instance observes as an exit event. Worker
// binaries call it from main.
func Main(loader Loader) {
	logger := StderrLogger()
	if err := Serve(context.Background(), Options{Loader: loader, Logger: logger}); err != nil {
		logger.Error("worker runtime fatal", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// StderrLogger builds a logger writing to stderr only; stdout carries the
// message protocol and must stay clean.
func StderrLogger() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	)
	return zap.New(core)
}
