// Package control wraps the duplex pipe that connects the master with one
// worker. A Stream turns blocking reads into chunk callbacks on the event loop
// and queues writes so loop callbacks never block on the pipe.
package control

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
)

const readBufferSize = 64 * 1024

// ErrStreamClosed is returned by Write after Stop.
var ErrStreamClosed = errors.New("control stream closed")

// Scheduler hands callbacks to the event loop that owns the stream.
type Scheduler interface {
	Post(fn func()) bool
}

// ChunkHandler receives inbound bytes on the loop goroutine.
type ChunkHandler func(chunk []byte)

type subscription struct {
	handler ChunkHandler
}

// Stream is a duplex control channel over one inherited descriptor.
//
// Start, Write, Subscribe and Stop must be called on the owning loop. Inbound
// chunks are delivered to subscribers in subscription order; writes leave in
// submission order.
type Stream struct {
	conn    io.ReadWriteCloser
	sched   Scheduler
	logger  *slog.Logger
	onError func(error)

	subscribers []*subscription
	started     bool
	closed      bool

	// write queue shared with the writer goroutine
	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	done    chan struct{}
}

// Option configures a Stream.
type Option func(*Stream)

// WithErrorHandler sets the callback for read and write failures that happen
// before Stop. It runs on the loop goroutine. io.EOF means the peer went away.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Stream) {
		s.onError = fn
	}
}

// WithLogger sets the stream logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		s.logger = logger
	}
}

// NewStream wraps conn. Nothing is read or written until Start.
func NewStream(sched Scheduler, conn io.ReadWriteCloser, opts ...Option) *Stream {
	s := &Stream{
		conn:   conn,
		sched:  sched,
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins reading from and writing to the descriptor.
func (s *Stream) Start() {
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.readLoop()
	go s.writeLoop()
}

// Write queues data for output. The slice must not be modified afterwards.
func (s *Stream) Write(data []byte) error {
	if s.closed {
		return ErrStreamClosed
	}
	if len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	s.pending = append(s.pending, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers handler for inbound chunks and returns a function that
// removes it again.
func (s *Stream) Subscribe(handler func(chunk []byte)) func() {
	sub := &subscription{handler: handler}
	s.subscribers = append(s.subscribers, sub)
	return func() { s.unsubscribe(sub) }
}

func (s *Stream) unsubscribe(sub *subscription) {
	for i, existing := range s.subscribers {
		if existing == sub {
			s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// Stop closes the descriptor if it is still open. With teardownAll the
// subscriber list and the write queue are released as well; use it when the
// stream will not be touched again. Repeated calls are harmless.
func (s *Stream) Stop(teardownAll bool) {
	if !s.closed {
		s.closed = true
		close(s.done)
		if err := s.conn.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			s.logger.Debug("Closing control stream failed", "error", err)
		}
	}

	if teardownAll {
		s.subscribers = nil
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}
}

// Closed reports whether Stop has been called.
func (s *Stream) Closed() bool {
	return s.closed
}

// dispatch delivers one chunk to the subscribers registered right now.
func (s *Stream) dispatch(chunk []byte) {
	if s.closed {
		return
	}
	subs := append([]*subscription(nil), s.subscribers...)
	for _, sub := range subs {
		sub.handler(chunk)
	}
}

// fail reports a transport failure unless the stream was stopped on purpose.
func (s *Stream) fail(err error) {
	if s.closed {
		return
	}
	if s.onError != nil {
		s.onError(err)
		return
	}
	s.logger.Warn("Control stream failed", "error", err)
}

// readLoop forwards inbound bytes to the loop until the descriptor fails.
// A zero-length read is ignored; only Stop closes the stream.
func (s *Stream) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !s.sched.Post(func() { s.dispatch(chunk) }) {
				return
			}
		}
		if err != nil {
			s.sched.Post(func() { s.fail(err) })
			return
		}
	}
}

// writeLoop drains the write queue in order.
func (s *Stream) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			batch := s.takePending()
			if len(batch) == 0 {
				break
			}
			for _, data := range batch {
				if _, err := s.conn.Write(data); err != nil {
					s.sched.Post(func() { s.fail(err) })
					return
				}
			}
		}
	}
}

func (s *Stream) takePending() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}
