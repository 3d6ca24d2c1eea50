package rpc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Consumer answers calls arriving on a stream by dispatching them to a method
// table. Frames are handled one at a time in arrival order on the loop
// goroutine.
type Consumer struct {
	stream  Stream
	methods Methods
	decoder *FrameDecoder
	opts    options

	unsubscribe func()
	failed      bool
}

// NewConsumer creates a consumer dispatching to methods.
func NewConsumer(stream Stream, methods Methods, opts ...Option) *Consumer {
	return &Consumer{
		stream:  stream,
		methods: methods,
		decoder: NewFrameDecoder(),
		opts:    buildOptions(opts),
	}
}

// Start subscribes to inbound calls.
func (c *Consumer) Start() {
	if c.unsubscribe != nil || c.failed {
		return
	}
	c.unsubscribe = c.stream.Subscribe(c.onChunk)
}

// Stop unsubscribes from the stream. The stream itself is left to its owner.
func (c *Consumer) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.decoder.Reset()
}

func (c *Consumer) onChunk(chunk []byte) {
	if c.failed {
		return
	}
	frames, err := c.decoder.Feed(chunk)
	for _, payload := range frames {
		msg, derr := DecodeMessage(payload)
		if derr != nil {
			c.fail(derr)
			return
		}
		if msg.Kind != KindCall {
			c.opts.logger.Warn("Ignoring unexpected message on consumer channel", "kind", msg.Kind)
			continue
		}
		c.dispatch(msg.Call)
		if c.unsubscribe == nil {
			// stopped by the handler
			return
		}
	}
	if err != nil {
		c.fail(err)
	}
}

func (c *Consumer) dispatch(call *Call) {
	value, err := c.invoke(call)
	if err != nil {
		c.opts.logger.Warn("Remote call failed", "method", call.Method, "id", call.ID, "error", err)
	}
	if !call.ReplyExpected {
		return
	}

	resp := &Response{ID: call.ID, OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else if value != nil {
		raw, merr := msgpack.Marshal(value)
		if merr != nil {
			resp.OK = false
			resp.Error = fmt.Sprintf("encode result: %v", merr)
		} else {
			resp.Result = raw
		}
	}

	frame, err := EncodeMessage(&Message{Kind: KindResponse, Response: resp})
	if err != nil {
		c.opts.logger.Error("Encoding response failed", "method", call.Method, "error", err)
		return
	}
	if err := c.stream.Write(frame); err != nil {
		c.opts.logger.Debug("Dropping response on closed stream", "method", call.Method, "error", err)
	}
}

// invoke runs the handler, turning panics into errors.
func (c *Consumer) invoke(call *Call) (value any, err error) {
	fn, ok := c.methods.Lookup(call.Method)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, call.Method)
	}
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("panic in %s: %v", call.Method, r)
		}
	}()
	return fn(Args{Positional: call.Args, Keyword: call.Kwargs})
}

// fail stops reading after a decode error and reports it to the owner.
func (c *Consumer) fail(err error) {
	c.failed = true
	c.Stop()
	if c.opts.onError != nil {
		c.opts.onError(err)
		return
	}
	c.opts.logger.Error("Consumer channel failed", "error", err)
}
