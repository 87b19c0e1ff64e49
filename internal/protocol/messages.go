package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// ReceiverState is the serialized form of the object a method is invoked on.
type ReceiverState struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

func EncodeReceiver(typeID string, receiver any) (json.RawMessage, error) {
	state, err := json.Marshal(receiver)
	if err != nil {
		return nil, fmt.Errorf("could not encode receiver %s: %w", typeID, err)
	}
	return json.Marshal(ReceiverState{Type: typeID, State: state})
}

// OffloadRequest carries one method invocation to a clone.
type OffloadRequest struct {
	HelperCount   int32
	ReceiverState json.RawMessage
	Method        string
	ParamTypes    []string
	ParamValues   []json.RawMessage
}

// Write emits the request body; the OFFLOAD_REQUEST opcode is written by the caller.
func (req *OffloadRequest) Write(w io.Writer) error {
	types, err := json.Marshal(req.ParamTypes)
	if err != nil {
		return err
	}
	values := req.ParamValues
	if values == nil {
		values = []json.RawMessage{}
	}
	encodedValues, err := json.Marshal(values)
	if err != nil {
		return err
	}

	if err := WriteInt32(w, req.HelperCount); err != nil {
		return err
	}
	if err := WriteBlob(w, req.ReceiverState); err != nil {
		return err
	}
	if err := WriteString(w, req.Method); err != nil {
		return err
	}
	if err := WriteBlob(w, types); err != nil {
		return err
	}
	return WriteBlob(w, encodedValues)
}

func ReadOffloadRequest(r io.Reader) (*OffloadRequest, error) {
	req := &OffloadRequest{}
	var err error
	if req.HelperCount, err = ReadInt32(r); err != nil {
		return nil, err
	}
	if req.ReceiverState, err = ReadBlob(r); err != nil {
		return nil, err
	}
	if req.Method, err = ReadString(r); err != nil {
		return nil, err
	}
	types, err := ReadBlob(r)
	if err != nil {
		return nil, err
	}
	values, err := ReadBlob(r)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(types, &req.ParamTypes); err != nil {
		return nil, fmt.Errorf("malformed parameter types: %w", err)
	}
	if err := json.Unmarshal(values, &req.ParamValues); err != nil {
		return nil, fmt.Errorf("malformed parameter values: %w", err)
	}
	if len(req.ParamTypes) != len(req.ParamValues) {
		return nil, fmt.Errorf("malformed request: %d parameter types, %d values", len(req.ParamTypes), len(req.ParamValues))
	}
	return req, nil
}

// ResultEnvelope is the clone's answer to an OFFLOAD_REQUEST.
type ResultEnvelope struct {
	ObjectState           json.RawMessage `json:"objectState,omitempty"`
	Result                Result          `json:"result"`
	TransferDuration      int64           `json:"transferDuration"`
	PureExecutionDuration int64           `json:"pureExecutionDuration"`
}

func (env *ResultEnvelope) Write(w io.Writer) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return WriteBlob(w, payload)
}

func ReadResultEnvelope(r io.Reader) (*ResultEnvelope, error) {
	payload, err := ReadBlob(r)
	if err != nil {
		return nil, err
	}
	env := &ResultEnvelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("malformed result envelope: %w", err)
	}
	return env, nil
}

// AppRegistration is the REGISTER_APP payload.
type AppRegistration struct {
	Identity string
	Size     int64
}

func (a AppRegistration) Write(w io.Writer) error {
	if err := WriteOpcode(w, REGISTER_APP); err != nil {
		return err
	}
	if err := WriteString(w, a.Identity); err != nil {
		return err
	}
	return WriteInt64(w, a.Size)
}

// ReadAppRegistration reads the payload following a REGISTER_APP opcode.
func ReadAppRegistration(r io.Reader) (AppRegistration, error) {
	identity, err := ReadString(r)
	if err != nil {
		return AppRegistration{}, err
	}
	size, err := ReadInt64(r)
	if err != nil {
		return AppRegistration{}, err
	}
	if identity == "" || size < 0 {
		return AppRegistration{}, fmt.Errorf("invalid registration (%q, %d)", identity, size)
	}
	return AppRegistration{Identity: identity, Size: size}, nil
}
