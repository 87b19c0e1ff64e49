package netsampler

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/serverledge-faas/offloadge/internal/protocol"
)

// ErrNotProbe is returned by Handle for opcodes that are not network probes.
var ErrNotProbe = errors.New("not a probe opcode")

type uploadResult struct {
	bytes int64
	nanos int64
}

// ProbeHandler answers the probes of NetworkSampler on the clone.
type ProbeHandler struct {
	window time.Duration

	mu      sync.Mutex
	uploads map[string]uploadResult
}

func NewProbeHandler(window time.Duration) *ProbeHandler {
	if window <= 0 {
		window = 3 * time.Second
	}
	return &ProbeHandler{window: window, uploads: make(map[string]uploadResult)}
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// Handle serves one probe opcode already read from r. It reports whether the
// session must end after the probe.
func (h *ProbeHandler) Handle(op protocol.Opcode, r io.Reader, conn net.Conn) (bool, error) {
	switch op {
	case protocol.PING:
		return false, protocol.WriteOpcode(conn, protocol.PONG)
	case protocol.UPLOAD:
		return true, h.receiveUpload(r, conn)
	case protocol.UPLOAD_RESULT:
		h.mu.Lock()
		res := h.uploads[remoteHost(conn)]
		h.mu.Unlock()
		if err := protocol.WriteInt64(conn, res.bytes); err != nil {
			return true, err
		}
		return false, protocol.WriteInt64(conn, res.nanos)
	case protocol.DOWNLOAD:
		return true, h.sendDownload(r, conn)
	default:
		return true, fmt.Errorf("%w: %v", ErrNotProbe, op)
	}
}

func (h *ProbeHandler) receiveUpload(r io.Reader, conn net.Conn) error {
	buf := make([]byte, BufferSize)
	var received int64
	start := time.Now()
	_ = conn.SetReadDeadline(start.Add(h.window))
	for time.Since(start) < h.window {
		n, err := r.Read(buf)
		received += int64(n)
		if err != nil {
			break
		}
		if err := protocol.WriteByte(conn, 1); err != nil {
			break
		}
	}
	elapsed := time.Since(start)

	host := remoteHost(conn)
	h.mu.Lock()
	h.uploads[host] = uploadResult{bytes: received, nanos: int64(elapsed)}
	h.mu.Unlock()
	log.Printf("[%s] upload probe: %d bytes in %v", host, received, elapsed)
	return nil
}

func (h *ProbeHandler) sendDownload(r io.Reader, conn net.Conn) error {
	buf := make([]byte, BufferSize)
	_ = conn.SetDeadline(time.Now().Add(2 * h.window))
	for {
		if _, err := conn.Write(buf); err != nil {
			return nil
		}
		if _, err := protocol.ReadByte(r); err != nil {
			return nil
		}
	}
}
