package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/serverledge-faas/offloadge/internal/history"
	"github.com/serverledge-faas/offloadge/internal/netsampler"
	"github.com/serverledge-faas/offloadge/internal/protocol"
	"github.com/serverledge-faas/offloadge/internal/registry"
)

// Connection is the part of the connection manager used by the dispatcher.
type Connection interface {
	IsConnected() bool
	Offload(ctx context.Context, req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error)
}

// SampleSource provides the current network sample.
type SampleSource interface {
	Current() netsampler.Sample
}

// Call describes one method invocation requested by the application.
type Call struct {
	Receiver   any
	Method     string
	ParamTypes []string
	Args       registry.Args
}

// NewCall encodes args for an invocation of method on receiver.
func NewCall(receiver any, method string, paramTypes []string, args ...any) (Call, error) {
	if len(paramTypes) != len(args) {
		return Call{}, fmt.Errorf("%s: %d parameter types for %d arguments", method, len(paramTypes), len(args))
	}
	encoded, err := registry.NewArgs(args...)
	if err != nil {
		return Call{}, err
	}
	return Call{Receiver: receiver, Method: method, ParamTypes: paramTypes, Args: encoded}, nil
}

// Task is a Call owned by the dispatcher until its result is delivered.
type Task struct {
	Call
	ID        uint64
	CreatedAt time.Time
	ctx       context.Context
	done      chan TaskResult
}

// Done delivers exactly one result.
func (t *Task) Done() <-chan TaskResult {
	return t.done
}

// TaskResult is the outcome of a Task as seen by the caller.
type TaskResult struct {
	TaskID   uint64
	Location history.Location
	Value    json.RawMessage
	Duration time.Duration
	Err      error
}

// Decode unmarshals the returned value into v.
func (r TaskResult) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}
