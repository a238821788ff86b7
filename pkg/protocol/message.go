// Package protocol defines the wire contract between the coordinating
// process and the isolated worker runtime.
//
// Messages are exchanged as newline-delimited JSON over the worker
// process stdio pipes. Every execute or ping message eventually produces
// exactly one terminal response carrying the same correlation id, or the
// sender times out and treats the call as failed. The protocol guarantees
// correlation, not delivery.
package protocol

import (
	"time"

	"github.com/isokit/procpool/pkg/types"
)

// MessageType identifies the kind of a wire message
type MessageType string

const (
	// MessageExecute requests invocation of a method on the loaded worker
	MessageExecute MessageType = "execute"
	// MessageResult carries a successful method result
	MessageResult MessageType = "result"
	// MessageError carries a method or protocol failure
	MessageError MessageType = "error"
	// MessagePing requests a liveness probe reply
	MessagePing MessageType = "ping"
	// MessagePong answers a liveness probe
	MessagePong MessageType = "pong"
)

// Known reports whether the message type is part of the wire contract.
// Unknown types must be treated as protocol errors, never ignored.
func (t MessageType) Known() bool {
	switch t {
	case MessageExecute, MessageResult, MessageError, MessagePing, MessagePong:
		return true
	default:
		return false
	}
}

// ErrorInfo carries a remote failure over the wire with its original
// identity preserved
type ErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Message is the wire unit exchanged between pool-side instances and the
// isolated runtime
type Message struct {
	// ID correlates a request with its terminal response
	ID string `json:"id"`

	// Type is the message kind
	Type MessageType `json:"type"`

	// Method names the worker method to invoke (execute only)
	Method string `json:"method,omitempty"`

	// Args is the ordered argument list (execute only)
	Args []interface{} `json:"args,omitempty"`

	// Result is the method return value (result only)
	Result interface{} `json:"result,omitempty"`

	// Error describes the failure (error only)
	Error *ErrorInfo `json:"error,omitempty"`

	// Timestamp is the send time in Unix milliseconds
	Timestamp int64 `json:"timestamp"`
}

// Validate checks the structural invariants of a received message
func (m *Message) Validate() error {
	if m.ID == "" {
		return &types.ProtocolError{Detail: "missing message id"}
	}
	if !m.Type.Known() {
		return &types.ProtocolError{Detail: "unknown message type " + string(m.Type)}
	}
	if m.Type == MessageExecute && m.Method == "" {
		return &types.ProtocolError{Detail: "execute message missing method"}
	}
	if m.Type == MessageError && m.Error == nil {
		return &types.ProtocolError{Detail: "error message missing error payload"}
	}
	return nil
}

// NewExecute builds an execute request
func NewExecute(id, method string, args []interface{}) Message {
	return Message{
		ID:        id,
		Type:      MessageExecute,
		Method:    method,
		Args:      args,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewResult builds a successful terminal response
func NewResult(id string, result interface{}) Message {
	return Message{
		ID:        id,
		Type:      MessageResult,
		Result:    result,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewError builds a failed terminal response
func NewError(id string, info ErrorInfo) Message {
	return Message{
		ID:        id,
		Type:      MessageError,
		Error:     &info,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewPing builds a liveness probe
func NewPing(id string) Message {
	return Message{
		ID:        id,
		Type:      MessagePing,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewPong builds a liveness probe reply
func NewPong(id string) Message {
	return Message{
		ID:        id,
		Type:      MessagePong,
		Timestamp: time.Now().UnixMilli(),
	}
}
