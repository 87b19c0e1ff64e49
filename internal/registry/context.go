package registry

import (
	"encoding/json"
	"fmt"
)

// ExecContext tells an invoked method where it runs. It replaces any handle
// on the client runtime: the clone builds a fresh one per invocation.
type ExecContext struct {
	OnServer    bool
	HelperID    int
	HelperCount int
	Libraries   []string
}

func LocalContext() *ExecContext {
	return &ExecContext{HelperCount: 1}
}

func ServerContext(helperID int, helperCount int, libraries []string) *ExecContext {
	if helperCount < 1 {
		helperCount = 1
	}
	return &ExecContext{OnServer: true, HelperID: helperID, HelperCount: helperCount, Libraries: libraries}
}

// Args holds the JSON-encoded parameter values of a call.
type Args struct {
	values []json.RawMessage
}

func ArgsFromRaw(values []json.RawMessage) Args {
	return Args{values: values}
}

// NewArgs encodes every value.
func NewArgs(values ...any) (Args, error) {
	raw := make([]json.RawMessage, len(values))
	for i, v := range values {
		encoded, err := json.Marshal(v)
		if err != nil {
			return Args{}, fmt.Errorf("argument %d: %w", i, err)
		}
		raw[i] = encoded
	}
	return Args{values: raw}, nil
}

func (a Args) Len() int {
	return len(a.values)
}

func (a Args) Raw() []json.RawMessage {
	return a.values
}

func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a.values) {
		return fmt.Errorf("argument %d out of range (%d arguments)", i, len(a.values))
	}
	return json.Unmarshal(a.values[i], v)
}

func receiverAs[T any](receiver any) (T, error) {
	typed, ok := receiver.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("receiver is %T, expected %T", receiver, zero)
	}
	return typed, nil
}

// Func0 adapts a method without parameters to an Invoker.
func Func0[T any, R any](fn func(ctx *ExecContext, recv T) (R, error)) Invoker {
	return func(ctx *ExecContext, receiver any, args Args) (any, error) {
		recv, err := receiverAs[T](receiver)
		if err != nil {
			return nil, err
		}
		return fn(ctx, recv)
	}
}

func Func1[T any, A any, R any](fn func(ctx *ExecContext, recv T, a A) (R, error)) Invoker {
	return func(ctx *ExecContext, receiver any, args Args) (any, error) {
		recv, err := receiverAs[T](receiver)
		if err != nil {
			return nil, err
		}
		var a A
		if err := args.Decode(0, &a); err != nil {
			return nil, err
		}
		return fn(ctx, recv, a)
	}
}

func Func2[T any, A any, B any, R any](fn func(ctx *ExecContext, recv T, a A, b B) (R, error)) Invoker {
	return func(ctx *ExecContext, receiver any, args Args) (any, error) {
		recv, err := receiverAs[T](receiver)
		if err != nil {
			return nil, err
		}
		var a A
		var b B
		if err := args.Decode(0, &a); err != nil {
			return nil, err
		}
		if err := args.Decode(1, &b); err != nil {
			return nil, err
		}
		return fn(ctx, recv, a, b)
	}
}
