package rpc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind discriminates the payload of a control frame.
type Kind uint8

// Message kinds.
const (
	KindBootstrap Kind = iota + 1
	KindCall
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindBootstrap:
		return "bootstrap"
	case KindCall:
		return "call"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is the payload of every control frame.
type Message struct {
	Kind      Kind               `msgpack:"kind"`
	Bootstrap msgpack.RawMessage `msgpack:"bootstrap,omitempty"`
	Call      *Call              `msgpack:"call,omitempty"`
	Response  *Response          `msgpack:"response,omitempty"`
}

// Call is a remote method invocation. Arguments stay msgpack-encoded until the
// handler decodes them into the types it expects.
type Call struct {
	Method        string                        `msgpack:"method"`
	Args          []msgpack.RawMessage          `msgpack:"args"`
	Kwargs        map[string]msgpack.RawMessage `msgpack:"kwargs"`
	ID            uint64                        `msgpack:"id"`
	ReplyExpected bool                          `msgpack:"reply_expected"`
}

// Response answers the call with the same ID.
type Response struct {
	ID     uint64             `msgpack:"id"`
	OK     bool               `msgpack:"ok"`
	Result msgpack.RawMessage `msgpack:"result,omitempty"`
	Error  string             `msgpack:"error,omitempty"`
}

// NewCall encodes args and kwargs into a call message.
func NewCall(method string, id uint64, replyExpected bool, args []any, kwargs map[string]any) (*Call, error) {
	call := &Call{
		Method:        method,
		Args:          make([]msgpack.RawMessage, 0, len(args)),
		Kwargs:        make(map[string]msgpack.RawMessage, len(kwargs)),
		ID:            id,
		ReplyExpected: replyExpected,
	}
	for i, arg := range args {
		raw, err := msgpack.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d of %s: %w", i, method, err)
		}
		call.Args = append(call.Args, raw)
	}
	for name, value := range kwargs {
		raw, err := msgpack.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode argument %q of %s: %w", name, method, err)
		}
		call.Kwargs[name] = raw
	}
	return call, nil
}

// EncodeMessage serializes m and frames it.
func EncodeMessage(m *Message) ([]byte, error) {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Kind, err)
	}
	return EncodeFrame(payload)
}

// DecodeMessage parses one frame payload.
func DecodeMessage(payload []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return nil, &DecodeError{Err: err}
	}
	switch m.Kind {
	case KindBootstrap:
	case KindCall:
		if m.Call == nil {
			return nil, &DecodeError{Err: fmt.Errorf("call message without call body")}
		}
	case KindResponse:
		if m.Response == nil {
			return nil, &DecodeError{Err: fmt.Errorf("response message without response body")}
		}
	default:
		return nil, &DecodeError{Err: fmt.Errorf("%w: %s", ErrUnexpectedMessage, m.Kind)}
	}
	return &m, nil
}

// EncodeBootstrap frames the one-time bootstrap message carrying v.
func EncodeBootstrap(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode bootstrap: %w", err)
	}
	return EncodeMessage(&Message{Kind: KindBootstrap, Bootstrap: raw})
}

// DecodeBootstrap unpacks a bootstrap frame payload into v.
func DecodeBootstrap(payload []byte, v any) error {
	m, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	if m.Kind != KindBootstrap {
		return fmt.Errorf("%w: want bootstrap, got %s", ErrUnexpectedMessage, m.Kind)
	}
	if err := msgpack.Unmarshal(m.Bootstrap, v); err != nil {
		return &DecodeError{Err: fmt.Errorf("bootstrap body: %w", err)}
	}
	return nil
}
