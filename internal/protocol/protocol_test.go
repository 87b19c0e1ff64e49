package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	u "github.com/serverledge-faas/offloadge/utils"
)

func TestOffloadRequestFraming(t *testing.T) {
	receiver, err := EncodeReceiver("demo.Calculator", map[string]int{"calls": 3})
	u.AssertNil(t, err)

	req := &OffloadRequest{
		HelperCount:   2,
		ReceiverState: receiver,
		Method:        "SumTwoNums",
		ParamTypes:    []string{"int", "int"},
		ParamValues:   []json.RawMessage{json.RawMessage("40"), json.RawMessage("2")},
	}

	var buf bytes.Buffer
	u.AssertNil(t, req.Write(&buf))

	// helperCount is the first big-endian int32
	u.AssertSliceEquals(t, []byte{0, 0, 0, 2}, buf.Bytes()[:4])

	decoded, err := ReadOffloadRequest(&buf)
	u.AssertNil(t, err)
	u.AssertEquals(t, int32(2), decoded.HelperCount)
	u.AssertEquals(t, "SumTwoNums", decoded.Method)
	u.AssertSliceEquals(t, []string{"int", "int"}, decoded.ParamTypes)
	u.AssertEquals(t, "40", string(decoded.ParamValues[0]))

	var state ReceiverState
	u.AssertNil(t, json.Unmarshal(decoded.ReceiverState, &state))
	u.AssertEquals(t, "demo.Calculator", state.Type)
	u.AssertEquals(t, 0, buf.Len())
}

func TestOffloadRequestMismatchedParams(t *testing.T) {
	req := &OffloadRequest{
		HelperCount: 1,
		Method:      "m",
		ParamTypes:  []string{"int"},
	}
	var buf bytes.Buffer
	u.AssertNil(t, req.Write(&buf))

	_, err := ReadOffloadRequest(&buf)
	u.AssertNonNil(t, err)
}

func TestResultEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		envelope ResultEnvelope
	}{
		{
			name: "success",
			envelope: ResultEnvelope{
				ObjectState:           json.RawMessage(`{"type":"t","state":{}}`),
				Result:                Result{Status: Success, Value: json.RawMessage("42")},
				TransferDuration:      1200,
				PureExecutionDuration: 3400,
			},
		},
		{
			name: "failure",
			envelope: ResultEnvelope{
				Result:                FailureResult(KindMethodNotFound, "no method %s", "Foo"),
				PureExecutionDuration: -1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tt.envelope.Write(&buf))
			got, err := ReadResultEnvelope(&buf)
			require.NoError(t, err)
			require.Equal(t, tt.envelope.Result.Status, got.Result.Status)
			require.Equal(t, tt.envelope.PureExecutionDuration, got.PureExecutionDuration)
			if tt.envelope.Result.IsSuccess() {
				var v int
				require.NoError(t, got.Result.Decode(&v))
				require.Equal(t, 42, v)
				require.NotEmpty(t, got.ObjectState)
			} else {
				require.Equal(t, KindMethodNotFound, got.Result.Failure.Kind)
				require.Equal(t, "no method Foo", got.Result.Failure.Message)
				require.Error(t, got.Result.Decode(new(int)))
			}
		})
	}
}

func TestExpectOpcode(t *testing.T) {
	buf := bytes.NewBuffer([]byte{byte(PONG), byte(APP_NEEDED)})
	u.AssertNil(t, ExpectOpcode(buf, PONG))
	err := ExpectOpcode(buf, APP_PRESENT)
	u.AssertErrorIs(t, err, ErrUnexpectedOpcode)
}

func TestAppRegistration(t *testing.T) {
	var buf bytes.Buffer
	u.AssertNil(t, AppRegistration{Identity: "demo", Size: 4096}.Write(&buf))

	op, err := ReadOpcode(&buf)
	u.AssertNil(t, err)
	u.AssertEquals(t, REGISTER_APP, op)

	reg, err := ReadAppRegistration(&buf)
	u.AssertNil(t, err)
	u.AssertEquals(t, "demo", reg.Identity)
	u.AssertEquals(t, int64(4096), reg.Size)
}

func TestBlobTooLarge(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadBlob(buf)
	u.AssertTrue(t, errors.Is(err, ErrBlobTooLarge))
}

func TestOpcodeValues(t *testing.T) {
	u.AssertEquals(t, byte(8), byte(REGISTER_APP))
	u.AssertEquals(t, byte(13), byte(MIGRATION_NOTICE))
	u.AssertEquals(t, "OFFLOAD_REQUEST", OFFLOAD_REQUEST.String())
	u.AssertTrue(t, UPLOAD_RESULT.IsProbe())
	u.AssertFalse(t, REGISTER_APP.IsProbe())
}
