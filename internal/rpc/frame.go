package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the length of the big-endian frame length prefix.
const HeaderSize = 4

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 16 << 20

// EncodeFrame prefixes payload with its length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads exactly one frame from r without consuming anything past it.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// FrameDecoder reassembles frames from arbitrarily split chunks. Partial
// frames stay buffered until the rest arrives.
type FrameDecoder struct {
	buf []byte
	max uint32
}

// NewFrameDecoder creates a decoder enforcing MaxFrameSize.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{max: MaxFrameSize}
}

// Feed appends chunk and returns every payload that is now complete. An
// oversized length prefix is unrecoverable and yields a *DecodeError.
func (d *FrameDecoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for len(d.buf) >= HeaderSize {
		size := binary.BigEndian.Uint32(d.buf)
		if size > d.max {
			return frames, &DecodeError{Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)}
		}
		end := HeaderSize + int(size)
		if len(d.buf) < end {
			break
		}
		payload := make([]byte, size)
		copy(payload, d.buf[HeaderSize:end])
		frames = append(frames, payload)
		d.buf = d.buf[end:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Reset drops buffered bytes.
func (d *FrameDecoder) Reset() {
	d.buf = nil
}
