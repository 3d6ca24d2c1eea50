package rpc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStream is one end of an in-memory duplex stream. Writes are queued on
// the peer until flush, mimicking asynchronous delivery on a single loop.
type memStream struct {
	peer        *memStream
	inbox       [][]byte
	subscribers []*func([]byte)
	stops       int
	closed      bool
}

func newMemPair() (*memStream, *memStream) {
	a, b := &memStream{}, &memStream{}
	a.peer, b.peer = b, a
	return a, b
}

func (s *memStream) Write(data []byte) error {
	if s.closed {
		return errors.New("closed")
	}
	s.peer.inbox = append(s.peer.inbox, data)
	return nil
}

func (s *memStream) Subscribe(handler func([]byte)) func() {
	h := &handler
	s.subscribers = append(s.subscribers, h)
	return func() {
		for i, existing := range s.subscribers {
			if existing == h {
				s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (s *memStream) Stop(teardownAll bool) {
	if !s.closed {
		s.stops++
	}
	s.closed = true
	if teardownAll {
		s.subscribers = nil
	}
}

// deliver hands the queued bytes to subscribers, optionally in fixed-size chunks.
func (s *memStream) deliver(chunkSize int) {
	var data []byte
	for _, b := range s.inbox {
		data = append(data, b...)
	}
	s.inbox = nil
	for len(data) > 0 {
		n := len(data)
		if chunkSize > 0 && chunkSize < n {
			n = chunkSize
		}
		chunk := data[:n]
		data = data[n:]
		for _, h := range slices.Clone(s.subscribers) {
			(*h)(chunk)
		}
	}
}

// flush delivers traffic in both directions until both sides are idle.
func flush(a, b *memStream) {
	for len(a.inbox) > 0 || len(b.inbox) > 0 {
		b.deliver(0)
		a.deliver(0)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandlerReceivesExactArguments(t *testing.T) {
	master, worker := newMemPair()

	type invocation struct {
		name  string
		port  int
		debug bool
	}
	var calls []invocation

	consumer := NewConsumer(worker, Methods{
		"configure": func(args Args) (any, error) {
			var inv invocation
			require.NoError(t, args.Decode(0, &inv.name))
			require.NoError(t, args.Decode(1, &inv.port))
			_, err := args.DecodeKeyword("debug", &inv.debug)
			require.NoError(t, err)
			calls = append(calls, inv)
			return nil, nil
		},
	}, WithLogger(quietLogger()))
	consumer.Start()

	producer := NewProducer(master, WithLogger(quietLogger()))
	producer.Start()

	require.NoError(t, producer.Apply("configure", nil, []any{"echo", 9090}, map[string]any{"debug": true}))
	worker.deliver(3)

	assert.Equal(t, []invocation{{name: "echo", port: 9090, debug: true}}, calls)
	assert.Empty(t, master.inbox, "no reply expected")
}

func TestCallsDispatchedInSendOrder(t *testing.T) {
	master, worker := newMemPair()

	var order []int
	consumer := NewConsumer(worker, Methods{
		"tag": func(args Args) (any, error) {
			var n int
			if err := args.Decode(0, &n); err != nil {
				return nil, err
			}
			order = append(order, n)
			return n * 2, nil
		},
	}, WithLogger(quietLogger()))
	consumer.Start()

	producer := NewProducer(master)
	producer.Start()

	const n = 50
	var replies []int
	want := make([]int, 0, n)
	for i := range n {
		want = append(want, i)
		require.NoError(t, producer.Apply("tag", func(r Result) {
			var v int
			require.NoError(t, r.Decode(&v))
			replies = append(replies, v)
		}, []any{i}, nil))
	}
	assert.Equal(t, n, producer.Pending())

	worker.deliver(7)
	master.deliver(5)

	assert.Equal(t, want, order)
	require.Len(t, replies, n)
	for i, v := range replies {
		assert.Equal(t, i*2, v)
	}
	assert.Zero(t, producer.Pending())
}

func TestRemoteFailuresBecomeErrorResponses(t *testing.T) {
	master, worker := newMemPair()

	consumer := NewConsumer(worker, Methods{
		"fail":  func(Args) (any, error) { return nil, fmt.Errorf("bad state") },
		"panic": func(Args) (any, error) { panic("kaboom") },
		"ok":    func(Args) (any, error) { return "fine", nil },
	}, WithLogger(quietLogger()))
	consumer.Start()

	producer := NewProducer(master)
	producer.Start()

	results := map[string]Result{}
	for _, method := range []string{"fail", "panic", "nope", "ok"} {
		require.NoError(t, producer.Apply(method, func(r Result) { results[method] = r }, nil, nil))
	}
	flush(master, worker)

	var remote *RemoteError
	require.ErrorAs(t, results["fail"].Err, &remote)
	assert.Equal(t, "fail", remote.Method)
	assert.Contains(t, remote.Message, "bad state")

	require.ErrorAs(t, results["panic"].Err, &remote)
	assert.Contains(t, remote.Message, "kaboom")

	require.ErrorAs(t, results["nope"].Err, &remote)
	assert.Contains(t, remote.Message, ErrUnknownMethod.Error())

	var s string
	require.NoError(t, results["ok"].Decode(&s))
	assert.Equal(t, "fine", s)
}

func TestConsumerDecodeErrorIsFatal(t *testing.T) {
	_, worker := newMemPair()

	var failures []error
	invoked := false
	consumer := NewConsumer(worker, Methods{
		"ping": func(Args) (any, error) { invoked = true; return nil, nil },
	}, WithLogger(quietLogger()), WithErrorHandler(func(err error) { failures = append(failures, err) }))
	consumer.Start()

	garbage, err := EncodeFrame([]byte{0xc1, 0x00})
	require.NoError(t, err)
	worker.inbox = append(worker.inbox, garbage)
	worker.deliver(0)

	require.Len(t, failures, 1)
	var decodeErr *DecodeError
	assert.ErrorAs(t, failures[0], &decodeErr)
	assert.Empty(t, worker.subscribers, "consumer must stop listening")

	call, err := NewCall("ping", 1, false, nil, nil)
	require.NoError(t, err)
	frame, err := EncodeMessage(&Message{Kind: KindCall, Call: call})
	require.NoError(t, err)
	worker.inbox = append(worker.inbox, frame)
	worker.deliver(0)
	assert.False(t, invoked)
	assert.Len(t, failures, 1)
}

func TestProducerStopDropsPendingCalls(t *testing.T) {
	master, worker := newMemPair()

	consumer := NewConsumer(worker, Methods{
		"ping": func(Args) (any, error) { return "pong", nil },
	}, WithLogger(quietLogger()))
	consumer.Start()

	producer := NewProducer(master)
	producer.Start()

	called := false
	require.NoError(t, producer.Apply("ping", func(Result) { called = true }, nil, nil))
	worker.deliver(0)

	producer.Stop()
	producer.Stop()
	master.deliver(0)

	assert.False(t, called, "callbacks of cancelled calls must not run")
	assert.Zero(t, producer.Pending())
	assert.Equal(t, 1, master.stops)
	assert.ErrorIs(t, producer.Apply("ping", nil, nil, nil), ErrChannelClosed)
}

func TestProducerReportsCorruptResponses(t *testing.T) {
	master, _ := newMemPair()

	var failures []error
	producer := NewProducer(master, WithErrorHandler(func(err error) { failures = append(failures, err) }))
	producer.Start()

	header := []byte{0xff, 0xff, 0xff, 0xff}
	master.inbox = append(master.inbox, header)
	master.deliver(0)

	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrFrameTooLarge)
}

func TestProducerClosedAfterCorruptResponse(t *testing.T) {
	master, _ := newMemPair()
	producer := NewProducer(master, WithLogger(quietLogger()))
	producer.Start()

	var answered bool
	require.NoError(t, producer.Apply("status", func(Result) { answered = true }, nil, nil))
	require.Equal(t, 1, producer.Pending())

	master.inbox = append(master.inbox, []byte{0xff, 0xff, 0xff, 0xff})
	master.deliver(0)

	assert.Zero(t, producer.Pending(), "pending calls dropped")
	assert.Empty(t, master.subscribers)

	err := producer.Apply("ping", func(Result) { answered = true }, nil, nil)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Zero(t, producer.Pending())
	assert.False(t, answered)

	producer.Stop()
	assert.Equal(t, 1, master.stops, "stop still releases the stream")
}
