package rpc

import (
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"
)

// Stream is the duplex byte channel a Producer or Consumer runs over. It is
// satisfied by *control.Stream.
type Stream interface {
	Write(data []byte) error
	Subscribe(handler func(chunk []byte)) func()
	Stop(teardownAll bool)
}

// Result is what a callback receives for one call.
type Result struct {
	Value msgpack.RawMessage
	Err   error
}

// Decode unpacks the result value into v, or returns the remote error.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Value) == 0 {
		return nil
	}
	return msgpack.Unmarshal(r.Value, v)
}

// Callback receives the outcome of a call on the loop goroutine.
type Callback func(Result)

// Option configures a Producer or Consumer.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	onError func(error)
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithErrorHandler sets the callback for fatal channel errors such as
// *DecodeError.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.onError = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Producer issues calls over a stream and routes responses to callbacks by
// correlation id. It is confined to the loop goroutine.
type Producer struct {
	stream  Stream
	decoder *FrameDecoder
	opts    options

	nextID      uint64
	pending     map[uint64]pendingCall
	unsubscribe func()
	stopped     bool
	failed      bool
}

type pendingCall struct {
	method   string
	callback Callback
}

// NewProducer creates a producer for stream.
func NewProducer(stream Stream, opts ...Option) *Producer {
	return &Producer{
		stream:  stream,
		decoder: NewFrameDecoder(),
		opts:    buildOptions(opts),
		pending: make(map[uint64]pendingCall),
	}
}

// Start subscribes to responses on the stream.
func (p *Producer) Start() {
	if p.unsubscribe != nil || p.stopped {
		return
	}
	p.unsubscribe = p.stream.Subscribe(p.onChunk)
}

// Apply sends a call. When cb is nil no reply is requested; otherwise cb runs
// once the matching response arrives, unless the producer is stopped first.
func (p *Producer) Apply(method string, cb Callback, args []any, kwargs map[string]any) error {
	if p.stopped || p.failed {
		return ErrChannelClosed
	}

	p.nextID++
	id := p.nextID

	call, err := NewCall(method, id, cb != nil, args, kwargs)
	if err != nil {
		return err
	}
	frame, err := EncodeMessage(&Message{Kind: KindCall, Call: call})
	if err != nil {
		return err
	}
	if cb != nil {
		p.pending[id] = pendingCall{method: method, callback: cb}
	}
	if err := p.stream.Write(frame); err != nil {
		delete(p.pending, id)
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Pending returns the number of calls waiting for a response.
func (p *Producer) Pending() int {
	return len(p.pending)
}

// Stop releases the stream and drops pending calls without invoking their
// callbacks. Repeated calls are harmless.
func (p *Producer) Stop() {
	if p.stopped {
		return
	}
	p.stopped = true
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.stream.Stop(true)
	p.pending = make(map[uint64]pendingCall)
	p.decoder.Reset()
}

func (p *Producer) onChunk(chunk []byte) {
	if p.stopped || p.failed {
		return
	}
	frames, err := p.decoder.Feed(chunk)
	for _, payload := range frames {
		if p.stopped || p.failed {
			return
		}
		if ferr := p.handleFrame(payload); ferr != nil {
			p.fail(ferr)
			return
		}
	}
	if err != nil {
		p.fail(err)
	}
}

func (p *Producer) handleFrame(payload []byte) error {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	if msg.Kind != KindResponse {
		p.opts.logger.Warn("Ignoring unexpected message on producer channel", "kind", msg.Kind)
		return nil
	}

	resp := msg.Response
	call, ok := p.pending[resp.ID]
	if !ok {
		p.opts.logger.Debug("Response for unknown call", "id", resp.ID)
		return nil
	}
	delete(p.pending, resp.ID)

	result := Result{Value: resp.Result}
	if !resp.OK {
		result.Err = &RemoteError{Method: call.method, Message: resp.Error}
	}
	call.callback(result)
	return nil
}

// fail handles a broken frame stream. Nothing more is read after it, pending
// calls are dropped and Apply reports ErrChannelClosed. Stop still releases
// the stream.
func (p *Producer) fail(err error) {
	p.failed = true
	p.pending = make(map[uint64]pendingCall)
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.decoder.Reset()
	if p.opts.onError != nil {
		p.opts.onError(err)
		return
	}
	p.opts.logger.Error("Producer channel failed", "error", err)
}
