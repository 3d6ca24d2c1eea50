package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned by Apply once the producer is stopped.
	ErrChannelClosed = errors.New("channel closed")
	// ErrFrameTooLarge reports a frame above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrUnknownMethod is the remote failure for a name missing from the method table.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrUnexpectedMessage reports a message kind the receiver does not handle.
	ErrUnexpectedMessage = errors.New("unexpected message kind")
)

// DecodeError is a fatal channel failure: the byte stream can no longer be
// split into frames or a frame could not be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("channel decode error: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RemoteError carries a failure raised by the remote handler.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote call %s failed: %s", e.Method, e.Message)
}
