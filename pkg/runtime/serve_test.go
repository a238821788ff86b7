package runtime_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isokit/procpool/pkg/protocol"
	"github.com/isokit/procpool/pkg/runtime"
)

func testLoader(t *testing.T) runtime.Loader {
	t.Helper()

	r := runtime.NewRegistry()
	r.MustRegister("calc", func() (runtime.Dispatch, error) {
		return runtime.Dispatch{
			"add": func(args []interface{}) (interface{}, error) {
				sum := 0.0
				for _, a := range args {
					n, ok := a.(float64)
					if !ok {
						return nil, errors.New("add wants numbers")
					}
					sum += n
				}
				return sum, nil
			},
			"fail": func(args []interface{}) (interface{}, error) {
				return nil, errors.New("deliberate failure")
			},
			"boom": func(args []interface{}) (interface{}, error) {
				panic("kaput")
			},
		}, nil
	})
	return r
}

// serve feeds the frames through the runtime loop and returns the replies
func serve(t *testing.T, loader runtime.Loader, frames ...protocol.Message) ([]protocol.Message, error) {
	t.Helper()

	var in bytes.Buffer
	enc := protocol.NewEncoder(&in)
	for _, f := range frames {
		require.NoError(t, enc.Encode(f))
	}

	var out bytes.Buffer
	err := runtime.Serve(context.Background(), runtime.Options{
		Loader:      loader,
		WorkerClass: "calc",
		InstanceID:  "test-instance",
		In:          &in,
		Out:         &out,
		Logger:      zap.NewNop(),
	})

	var replies []protocol.Message
	dec := protocol.NewDecoder(&out)
	for {
		msg, decErr := dec.Decode()
		if errors.Is(decErr, io.EOF) {
			break
		}
		require.NoError(t, decErr)
		replies = append(replies, msg)
	}
	return replies, err
}

func TestServeExecute(t *testing.T) {
	replies, err := serve(t, testLoader(t),
		protocol.NewExecute("c1", "add", []interface{}{1.0, 2.0, 3.0}),
	)
	require.NoError(t, err)
	require.Len(t, replies, 1)

	assert.Equal(t, protocol.MessageResult, replies[0].Type)
	assert.Equal(t, "c1", replies[0].ID)
	assert.Equal(t, 6.0, replies[0].Result)
}

func TestServePing(t *testing.T) {
	replies, err := serve(t, testLoader(t), protocol.NewPing("p1"))
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, protocol.MessagePong, replies[0].Type)
	assert.Equal(t, "p1", replies[0].ID)
}

func TestServeMethodError(t *testing.T) {
	replies, err := serve(t, testLoader(t), protocol.NewExecute("c1", "fail", nil))
	require.NoError(t, err)
	require.Len(t, replies, 1)

	assert.Equal(t, protocol.MessageError, replies[0].Type)
	require.NotNil(t, replies[0].Error)
	assert.Equal(t, "deliberate failure", replies[0].Error.Message)
	assert.NotEmpty(t, replies[0].Error.Name)
}

func TestServeUnknownMethod(t *testing.T) {
	replies, err := serve(t, testLoader(t),
		protocol.NewExecute("c1", "no-such-method", nil),
		protocol.NewExecute("c2", "add", []interface{}{1.0}),
	)
	require.NoError(t, err)
	require.Len(t, replies, 2, "an unknown method does not stop the loop")

	assert.Equal(t, protocol.MessageError, replies[0].Type)
	assert.Equal(t, "ProtocolError", replies[0].Error.Name)
	assert.Contains(t, replies[0].Error.Message, "unknown method")

	assert.Equal(t, protocol.MessageResult, replies[1].Type)
}

func TestServePanicRecovered(t *testing.T) {
	replies, err := serve(t, testLoader(t),
		protocol.NewExecute("c1", "boom", nil),
		protocol.NewPing("p1"),
	)
	require.NoError(t, err)
	require.Len(t, replies, 2, "a panicking method does not kill the process")

	assert.Equal(t, protocol.MessageError, replies[0].Type)
	assert.Contains(t, replies[0].Error.Message, "panic: kaput")
	assert.NotEmpty(t, replies[0].Error.Stack)

	assert.Equal(t, protocol.MessagePong, replies[1].Type)
}

func TestServeUnexpectedMessageType(t *testing.T) {
	replies, err := serve(t, testLoader(t), protocol.NewResult("c1", "stray"))
	require.NoError(t, err)
	require.Len(t, replies, 1)

	assert.Equal(t, protocol.MessageError, replies[0].Type)
	assert.Contains(t, replies[0].Error.Message, "unexpected message type")
}

func TestServeInvalidFrameGetsErrorReply(t *testing.T) {
	// Execute without a method is structurally invalid but still carries a
	// correlation id to answer on.
	bad := protocol.NewExecute("c1", "", nil)

	replies, err := serve(t, testLoader(t), bad, protocol.NewPing("p1"))
	require.NoError(t, err)
	require.Len(t, replies, 2)

	assert.Equal(t, protocol.MessageError, replies[0].Type)
	assert.Equal(t, "c1", replies[0].ID)
	assert.Equal(t, "ProtocolError", replies[0].Error.Name)

	assert.Equal(t, protocol.MessagePong, replies[1].Type)
}

func TestServeMalformedInputIsFatal(t *testing.T) {
	var out bytes.Buffer
	err := runtime.Serve(context.Background(), runtime.Options{
		Loader:      testLoader(t),
		WorkerClass: "calc",
		In:          strings.NewReader("this is not json\n"),
		Out:         &out,
		Logger:      zap.NewNop(),
	})
	assert.ErrorContains(t, err, "decode message")
}

func TestServeLoadFailure(t *testing.T) {
	var out bytes.Buffer
	err := runtime.Serve(context.Background(), runtime.Options{
		Loader:      runtime.NewRegistry(),
		WorkerClass: "unregistered",
		In:          strings.NewReader(""),
		Out:         &out,
		Logger:      zap.NewNop(),
	})
	assert.ErrorContains(t, err, "load worker class")
}

func TestServeRequiresLoader(t *testing.T) {
	err := runtime.Serve(context.Background(), runtime.Options{})
	assert.Error(t, err)
}

func TestServeRequiresWorkerClass(t *testing.T) {
	t.Setenv("PROCPOOL_WORKER_CLASS", "")

	err := runtime.Serve(context.Background(), runtime.Options{
		Loader: testLoader(t),
		In:     strings.NewReader(""),
		Out:    io.Discard,
		Logger: zap.NewNop(),
	})
	assert.ErrorContains(t, err, "worker class not set")
}
