package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxBlobSize bounds every length-prefixed field read from the wire.
const MaxBlobSize = 256 << 20

var ErrBlobTooLarge = errors.New("length-prefixed field exceeds the maximum size")
var ErrUnexpectedOpcode = errors.New("unexpected opcode")

func WriteOpcode(w io.Writer, op Opcode) error {
	_, err := w.Write([]byte{byte(op)})
	return err
}

func ReadOpcode(r io.Reader) (Opcode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return ERROR, err
	}
	return Opcode(b[0]), nil
}

// ExpectOpcode reads one opcode and fails with ErrUnexpectedOpcode if it differs from want.
func ExpectOpcode(r io.Reader, want Opcode) error {
	op, err := ReadOpcode(r)
	if err != nil {
		return err
	}
	if op != want {
		return fmt.Errorf("%w: got %v, expected %v", ErrUnexpectedOpcode, op, want)
	}
	return nil
}

func WriteByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return b[0], err
}

func WriteInt32(w io.Writer, v int32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func ReadInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func WriteInt64(w io.Writer, v int64) error {
	return binary.Write(w, binary.BigEndian, v)
}

func ReadInt64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

// WriteBlob writes a uint32 length followed by the bytes.
func WriteBlob(w io.Writer, b []byte) error {
	if len(b) > MaxBlobSize {
		return ErrBlobTooLarge
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func ReadBlob(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > MaxBlobSize {
		return nil, ErrBlobTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func WriteString(w io.Writer, s string) error {
	return WriteBlob(w, []byte(s))
}

func ReadString(r io.Reader) (string, error) {
	b, err := ReadBlob(r)
	return string(b), err
}
