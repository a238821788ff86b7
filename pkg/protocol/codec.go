package protocol

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// Encoder writes newline-delimited JSON messages to a stream. It is safe
// for concurrent use; a whole message is written and flushed per call so
// frames never interleave.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates an Encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes a single message frame
func (e *Encoder) Encode(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads newline-delimited JSON messages from a stream
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder creates a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode reads the next message frame. It returns io.EOF when the stream
// closes cleanly, and a validation error when the frame violates the wire
// contract.
func (d *Decoder) Decode() (Message, error) {
	var msg Message
	if err := d.dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}
