// Package types defines the error taxonomy shared by the pool, instance
// and runtime packages.
package types

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrNoInstancesAvailable indicates no worker instance could be
	// obtained within the availability wait bound
	ErrNoInstancesAvailable = errors.New("no worker instances available")

	// ErrExecuteTimeout indicates a per-attempt execution deadline elapsed
	ErrExecuteTimeout = errors.New("execution timeout")

	// ErrInstanceTerminated indicates the instance was terminated while
	// a call was pending or before it could be issued
	ErrInstanceTerminated = errors.New("worker instance terminated")

	// ErrInstanceUnhealthy indicates the instance is in the error state
	// and cannot accept calls
	ErrInstanceUnhealthy = errors.New("worker instance unhealthy")

	// ErrPoolClosed indicates the pool has been shut down
	ErrPoolClosed = errors.New("worker pool is closed")
)

// RemoteError carries a failure raised by the worker's own method inside
// the isolated process. Name, message and stack are preserved as reported
// over the wire.
type RemoteError struct {
	// Name identifies the remote error kind (e.g. a panic type)
	Name string

	// Message is the remote error message
	Message string

	// Stack is the remote stack trace, if captured
	Stack string
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("remote error %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("remote error: %s", e.Message)
}

// FaultError indicates the isolated process crashed or its transport
// broke while calls were in flight.
type FaultError struct {
	// Cause is the underlying transport or process fault
	Cause error
}

// Error implements the error interface
func (e *FaultError) Error() string {
	return fmt.Sprintf("worker instance fault: %v", e.Cause)
}

// Unwrap returns the underlying error
func (e *FaultError) Unwrap() error {
	return e.Cause
}

// ExitError indicates the isolated process exited unexpectedly.
type ExitError struct {
	// Code is the process exit code
	Code int
}

// Error implements the error interface
func (e *ExitError) Error() string {
	return fmt.Sprintf("worker process exited with code %d", e.Code)
}

// ProtocolError indicates a violation of the wire contract, such as an
// unknown message type or a missing required field.
type ProtocolError struct {
	// Detail describes the violation
	Detail string
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

// ConfigError indicates invalid pool or method options. Configuration
// errors are fatal at construction and never retried.
type ConfigError struct {
	// Field is the offending option
	Field string

	// Detail describes why the value was rejected
	Detail string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Field, e.Detail)
}

// IsRemote reports whether err carries a RemoteError
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// IsFault reports whether err carries a FaultError
func IsFault(err error) bool {
	var fe *FaultError
	return errors.As(err, &fe)
}

// IsExit reports whether err carries an ExitError
func IsExit(err error) bool {
	var ee *ExitError
	return errors.As(err, &ee)
}
