package clone

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/serverledge-faas/offloadge/internal/metrics"
	"github.com/serverledge-faas/offloadge/internal/protocol"
)

// session serves the requests of one connection, one at a time.
type session struct {
	srv  *Server
	conn net.Conn
	r    *bufio.Reader
	peer string

	// slot assigned by CLONE_ID_ASSIGN; 0 on connections from clients
	helperID int
	app      *app
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:  srv,
		conn: conn,
		r:    bufio.NewReader(conn),
		peer: conn.RemoteAddr().String(),
	}
}

func (s *session) run(ctx context.Context) {
	metrics.SessionOpened()
	defer metrics.SessionClosed()
	defer s.conn.Close()

	for {
		op, err := protocol.ReadOpcode(s.r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("[%s] read failed: %v", s.peer, err)
			}
			return
		}

		done, err := s.handle(ctx, op)
		if err != nil {
			log.Printf("[%s] %v failed, closing the connection: %v", s.peer, op, err)
			return
		}
		if done {
			return
		}
	}
}

// handle serves one request. It reports whether the connection must be closed.
func (s *session) handle(ctx context.Context, op protocol.Opcode) (bool, error) {
	if op.IsProbe() {
		return s.srv.probes.Handle(op, s.r, s.conn)
	}

	switch op {
	case protocol.REGISTER_APP:
		reg, err := protocol.ReadAppRegistration(s.r)
		if err != nil {
			return true, err
		}
		a, err := s.srv.apps.register(reg, s.r, s.conn)
		if err != nil {
			return true, err
		}
		s.app = a
		return false, nil

	case protocol.OFFLOAD_REQUEST:
		start := time.Now()
		req, err := protocol.ReadOffloadRequest(s.r)
		if err != nil {
			return true, err
		}
		transfer := time.Since(start)

		var env *protocol.ResultEnvelope
		if !s.srv.enter() {
			env = &protocol.ResultEnvelope{
				Result:                protocol.FailureResult(protocol.KindMigrating, "the clone is migrating"),
				TransferDuration:      int64(transfer),
				PureExecutionDuration: -1,
			}
		} else {
			env = s.srv.execute(ctx, s.app, s.helperID, req, transfer)
			s.srv.leave()
		}
		w := bufio.NewWriter(s.conn)
		if err := env.Write(w); err != nil {
			return true, err
		}
		return false, w.Flush()

	case protocol.CLONE_ID_ASSIGN:
		slot, err := protocol.ReadByte(s.r)
		if err != nil {
			return true, err
		}
		s.helperID = int(slot)
		log.Printf("[%s] acting as helper %d", s.peer, s.helperID)
		return false, nil

	case protocol.MIGRATION_NOTICE:
		user, err := protocol.ReadInt64(s.r)
		if err != nil {
			return true, err
		}
		log.Printf("[%s] migration notice from user %d, draining", s.peer, user)
		s.srv.Migrate()
		return false, protocol.WriteOpcode(s.conn, protocol.OK)

	default:
		return true, fmt.Errorf("%w: %v", protocol.ErrUnexpectedOpcode, op)
	}
}
