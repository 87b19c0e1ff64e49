package clone

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/serverledge-faas/offloadge/internal/netsampler"
)

var ErrServerClosed = errors.New("clone server closed")

const DefaultMaxConnections = 256

type Config struct {
	NodeName      string
	DataDir       string
	ClearAddress  string
	SecureAddress string
	// the secure listener is started only when TLS is set
	TLS            *tls.Config
	MaxConnections int
	ProbeWindow    time.Duration
	Loader         CodeLoader

	Helpers           HelperAllocator
	HelperDialTimeout time.Duration
}

// Server accepts client connections and executes the offloaded calls.
type Server struct {
	cfg    Config
	apps   *appCache
	probes *netsampler.ProbeHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[*session]struct{}
	closed    bool

	// guards inflight and migrating
	drainMu   sync.Mutex
	drained   *sync.Cond
	inflight  int
	migrating bool
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Loader == nil {
		return nil, errors.New("no code loader configured")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "offloadge-clone")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.HelperDialTimeout <= 0 {
		cfg.HelperDialTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, SharedLibsDir), 0o755); err != nil {
		return nil, fmt.Errorf("could not create the data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		apps:     newAppCache(cfg.DataDir, cfg.Loader),
		probes:   netsampler.NewProbeHandler(cfg.ProbeWindow),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*session]struct{}),
	}
	s.drained = sync.NewCond(&s.drainMu)
	return s, nil
}

// Start opens the listeners and serves them in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}

	ln, err := net.Listen("tcp", s.cfg.ClearAddress)
	if err != nil {
		return err
	}
	s.listen(netutil.LimitListener(ln, s.cfg.MaxConnections))
	log.Printf("Clone %s listening on %s\n", s.cfg.NodeName, ln.Addr())

	if s.cfg.TLS != nil && s.cfg.SecureAddress != "" {
		secure, err := tls.Listen("tcp", s.cfg.SecureAddress, s.cfg.TLS)
		if err != nil {
			return err
		}
		s.listen(netutil.LimitListener(secure, s.cfg.MaxConnections))
		log.Printf("Clone %s listening on %s (TLS)\n", s.cfg.NodeName, secure.Addr())
	}
	return nil
}

func (s *Server) listen(ln net.Listener) {
	s.listeners = append(s.listeners, ln)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					log.Printf("Accept failed: %v", err)
				}
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()
}

func (s *Server) serve(conn net.Conn) {
	sess := newSession(s, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.run(s.ctx)

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// ClearAddr returns the address of the cleartext listener, once started.
func (s *Server) ClearAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// SecureAddr returns the address of the TLS listener, if any.
func (s *Server) SecureAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) < 2 {
		return nil
	}
	return s.listeners[1].Addr()
}

// Close stops accepting connections, drops the open sessions and waits for them.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	for sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("Clone %s stopped\n", s.cfg.NodeName)
}

// Apps lists the registered apps.
func (s *Server) Apps() []AppInfo {
	return s.apps.list()
}

// Inflight returns the number of calls being executed.
func (s *Server) Inflight() int {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	return s.inflight
}

func (s *Server) Migrating() bool {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	return s.migrating
}

// enter reserves an execution slot, unless the clone is migrating.
func (s *Server) enter() bool {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.migrating {
		return false
	}
	s.inflight++
	return true
}

func (s *Server) leave() {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		s.drained.Broadcast()
	}
}

// Migrate refuses new calls and returns once the running ones have completed.
func (s *Server) Migrate() {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	s.migrating = true
	for s.inflight > 0 {
		s.drained.Wait()
	}
}

// Resume accepts calls again after a migration.
func (s *Server) Resume() {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	s.migrating = false
}
