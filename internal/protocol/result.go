package protocol

import (
	"encoding/json"
	"fmt"
)

type Status string

const (
	Success Status = "success"
	Failure Status = "failure"
)

// FailureKind classifies why a remote invocation did not produce a value.
type FailureKind string

const (
	KindException        FailureKind = "exception"
	KindUnsatisfiedLink  FailureKind = "unsatisfied-link"
	KindMethodNotFound   FailureKind = "method-not-found"
	KindBadRequest       FailureKind = "bad-request"
	KindAppNotRegistered FailureKind = "app-not-registered"
	KindMigrating        FailureKind = "migrating"
)

type FailureInfo struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Result is either Success(value) or Failure(kind, message).
type Result struct {
	Status  Status          `json:"status"`
	Value   json.RawMessage `json:"value,omitempty"`
	Failure *FailureInfo    `json:"failure,omitempty"`
}

func SuccessResult(value any) (Result, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: Success, Value: raw}, nil
}

func FailureResult(kind FailureKind, format string, args ...any) Result {
	return Result{Status: Failure, Failure: &FailureInfo{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

func (r Result) IsSuccess() bool {
	return r.Status == Success
}

// Decode unmarshals the success value into v.
func (r Result) Decode(v any) error {
	if !r.IsSuccess() {
		return fmt.Errorf("cannot decode a failed result: %v", r)
	}
	if len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}

func (r Result) String() string {
	if r.IsSuccess() {
		return fmt.Sprintf("Success(%s)", string(r.Value))
	}
	if r.Failure == nil {
		return "Failure(?)"
	}
	return fmt.Sprintf("Failure(%s, %s)", r.Failure.Kind, r.Failure.Message)
}
