// Package testutils provides shared test doubles and clock helpers.
package testutils

import (
	"context"
	"sync"

	"github.com/isokit/procpool/pkg/instance"
	"github.com/isokit/procpool/pkg/protocol"
)

// ReplyFunc scripts the fake worker's response to one inbound message.
// Returning nil leaves the message unanswered.
type ReplyFunc func(msg protocol.Message) *protocol.Message

// EchoReply answers pings with pongs and executes with the argument list
// echoed back as the result.
func EchoReply(msg protocol.Message) *protocol.Message {
	switch msg.Type {
	case protocol.MessagePing:
		reply := protocol.NewPong(msg.ID)
		return &reply
	case protocol.MessageExecute:
		var result interface{}
		if len(msg.Args) > 0 {
			result = msg.Args[0]
		}
		reply := protocol.NewResult(msg.ID, result)
		return &reply
	default:
		return nil
	}
}

// FakeProcess is an in-memory Process with scriptable behavior
type FakeProcess struct {
	mu       sync.Mutex
	reply    ReplyFunc
	sent     []protocol.Message
	sendErr  error
	exitCode int
	exited   bool

	messages chan protocol.Message
	faults   chan error
	done     chan struct{}
	exitOnce sync.Once
}

// NewFakeProcess creates a fake process answering with reply; nil reply
// defaults to EchoReply.
func NewFakeProcess(reply ReplyFunc) *FakeProcess {
	if reply == nil {
		reply = EchoReply
	}
	return &FakeProcess{
		reply:    reply,
		messages: make(chan protocol.Message, 16),
		faults:   make(chan error, 4),
		done:     make(chan struct{}),
	}
}

// Send records the message and delivers the scripted reply
func (p *FakeProcess) Send(msg protocol.Message) error {
	p.mu.Lock()
	if p.sendErr != nil {
		err := p.sendErr
		p.mu.Unlock()
		return err
	}
	p.sent = append(p.sent, msg)
	reply := p.reply
	exited := p.exited
	p.mu.Unlock()

	if exited {
		return nil
	}
	if r := reply(msg); r != nil {
		p.messages <- *r
	}
	return nil
}

func (p *FakeProcess) Messages() <-chan protocol.Message { return p.messages }
func (p *FakeProcess) Faults() <-chan error              { return p.faults }
func (p *FakeProcess) Done() <-chan struct{}             { return p.done }

func (p *FakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Kill simulates a forced stop
func (p *FakeProcess) Kill() error {
	p.Exit(-1)
	return nil
}

// Exit simulates the process exiting with the given code
func (p *FakeProcess) Exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.exited = true
		p.mu.Unlock()
		close(p.done)
	})
}

// Fault injects an asynchronous transport fault
func (p *FakeProcess) Fault(err error) {
	p.faults <- err
}

// Inject delivers an arbitrary inbound message
func (p *FakeProcess) Inject(msg protocol.Message) {
	p.messages <- msg
}

// SetReply swaps the scripted reply function
func (p *FakeProcess) SetReply(reply ReplyFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply = reply
}

// SetSendError makes subsequent Sends fail
func (p *FakeProcess) SetSendError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

// Sent returns a copy of the messages sent so far
func (p *FakeProcess) Sent() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Message, len(p.sent))
	copy(out, p.sent)
	return out
}

// FakeSpawner creates FakeProcesses and records them
type FakeSpawner struct {
	// OnSpawn, when set, configures each freshly created process
	OnSpawn func(p *FakeProcess)

	mu       sync.Mutex
	reply    ReplyFunc
	spawned  []*FakeProcess
	spawnErr error
}

// NewFakeSpawner creates a spawner whose processes answer with reply;
// nil defaults to EchoReply.
func NewFakeSpawner(reply ReplyFunc) *FakeSpawner {
	return &FakeSpawner{reply: reply}
}

// Spawn implements instance.Spawner
func (s *FakeSpawner) Spawn(ctx context.Context, workerClass, instanceID string) (instance.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	p := NewFakeProcess(s.reply)
	if s.OnSpawn != nil {
		s.OnSpawn(p)
	}
	s.spawned = append(s.spawned, p)
	return p, nil
}

// SetSpawnError makes subsequent Spawns fail
func (s *FakeSpawner) SetSpawnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnErr = err
}

// Spawned returns every process created so far
func (s *FakeSpawner) Spawned() []*FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FakeProcess, len(s.spawned))
	copy(out, s.spawned)
	return out
}

// SpawnCount returns how many processes were created
func (s *FakeSpawner) SpawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}
