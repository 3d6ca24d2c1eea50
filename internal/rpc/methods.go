package rpc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Args gives a method typed access to the call arguments.
type Args struct {
	Positional []msgpack.RawMessage
	Keyword    map[string]msgpack.RawMessage
}

// Len returns the number of positional arguments.
func (a Args) Len() int {
	return len(a.Positional)
}

// Decode decodes positional argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a.Positional) {
		return fmt.Errorf("missing positional argument %d", i)
	}
	if err := msgpack.Unmarshal(a.Positional[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// DecodeKeyword decodes keyword argument name into v. It reports false when
// the argument was not passed.
func (a Args) DecodeKeyword(name string, v any) (bool, error) {
	raw, ok := a.Keyword[name]
	if !ok {
		return false, nil
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("argument %q: %w", name, err)
	}
	return true, nil
}

// MethodFunc implements one remotely callable operation. The returned value is
// msgpack-encoded into the response.
type MethodFunc func(args Args) (any, error)

// Methods is the explicit table of operations a handler answers to. Names not
// in the table fail with ErrUnknownMethod.
type Methods map[string]MethodFunc

// Lookup returns the method registered under name.
func (m Methods) Lookup(name string) (MethodFunc, bool) {
	fn, ok := m[name]
	return fn, ok
}
