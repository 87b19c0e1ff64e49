package protocol

import "fmt"

// Opcode is the leading byte of every message exchanged between a client and a clone.
type Opcode byte

const (
	ERROR Opcode = iota
	OK
	PING
	PONG
	UPLOAD
	DOWNLOAD
	UPLOAD_RESULT
	_
	REGISTER_APP
	APP_NEEDED
	APP_PRESENT
	OFFLOAD_REQUEST
	CLONE_ID_ASSIGN
	MIGRATION_NOTICE
)

var opcodeNames = map[Opcode]string{
	ERROR:            "ERROR",
	OK:               "OK",
	PING:             "PING",
	PONG:             "PONG",
	UPLOAD:           "UPLOAD",
	DOWNLOAD:         "DOWNLOAD",
	UPLOAD_RESULT:    "UPLOAD_RESULT",
	REGISTER_APP:     "REGISTER_APP",
	APP_NEEDED:       "APP_NEEDED",
	APP_PRESENT:      "APP_PRESENT",
	OFFLOAD_REQUEST:  "OFFLOAD_REQUEST",
	CLONE_ID_ASSIGN:  "CLONE_ID_ASSIGN",
	MIGRATION_NOTICE: "MIGRATION_NOTICE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", byte(o))
}

// IsProbe reports whether the opcode belongs to the network measurement exchanges.
func (o Opcode) IsProbe() bool {
	return o == PING || o == UPLOAD || o == DOWNLOAD || o == UPLOAD_RESULT
}
