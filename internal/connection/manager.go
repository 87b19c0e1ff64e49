package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/serverledge-faas/offloadge/internal/protocol"
	"github.com/serverledge-faas/offloadge/utils"
)

var ErrNotConnected = errors.New("not connected to a clone")
var ErrRegistrationFailed = errors.New("app registration refused by the clone")

type State int

const (
	DISCONNECTED State = iota
	ENCRYPTED
	CLEARTEXT
)

func (s State) String() string {
	switch s {
	case ENCRYPTED:
		return "ENCRYPTED"
	case CLEARTEXT:
		return "CLEARTEXT"
	default:
		return "DISCONNECTED"
	}
}

// Endpoint is the address of a clone.
type Endpoint struct {
	IP         string `json:"ip"`
	ClearPort  int    `json:"clearPort"`
	SecurePort int    `json:"securePort"`
}

func (e Endpoint) ClearAddress() string {
	return utils.HostPort(e.IP, e.ClearPort)
}

func (e Endpoint) SecureAddress() string {
	return utils.HostPort(e.IP, e.SecurePort)
}

// Resolver looks up the clone to connect to.
type Resolver func(ctx context.Context) (Endpoint, error)

// StaticResolver always returns e.
func StaticResolver(e Endpoint) Resolver {
	return func(context.Context) (Endpoint, error) { return e, nil }
}

// AppPackage is the code package registered with the clone on every connection.
type AppPackage struct {
	Identity string
	Path     string
}

func (p AppPackage) size() (int64, error) {
	info, err := os.Stat(p.Path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

type Config struct {
	Resolve         Resolver
	TLS             *tls.Config
	PreferTLS       bool
	DialTimeout     time.Duration
	ReprobeInterval time.Duration
	App             AppPackage
	// non-zero when a clone connects to a helper: sent as CLONE_ID_ASSIGN
	HelperSlot      byte
	// called after every successful connection; must not block
	OnConnect       func(Endpoint)
}

// Manager owns the single connection of a client to its clone.
type Manager struct {
	cfg Config

	// serializes handshakes
	handshakeMu sync.Mutex
	// serializes request/response exchanges
	exchangeMu sync.Mutex

	mu       sync.RWMutex
	conn     net.Conn
	reader   *bufio.Reader
	state    State
	endpoint Endpoint
}

func NewManager(cfg Config) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReprobeInterval <= 0 {
		cfg.ReprobeInterval = 2 * time.Minute
	}
	return &Manager{cfg: cfg, state: DISCONNECTED}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() != DISCONNECTED
}

// Endpoint returns the clone of the last connection attempt.
func (m *Manager) Endpoint() Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endpoint
}

// Connect establishes a connection, preferring TLS, and registers the app.
// It is a no-op when already connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.handshakeMu.Lock()
	defer m.handshakeMu.Unlock()

	if m.IsConnected() {
		return nil
	}
	if m.cfg.Resolve == nil {
		return fmt.Errorf("%w: no clone configured", ErrNotConnected)
	}

	endpoint, err := m.cfg.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("could not find a clone: %w", err)
	}
	m.mu.Lock()
	m.endpoint = endpoint
	m.mu.Unlock()

	conn, reader, state, err := m.handshake(ctx, endpoint)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.reader = reader
	m.state = state
	m.mu.Unlock()
	log.Printf("Connected to clone %s (%v)", conn.RemoteAddr(), state)
	if m.cfg.OnConnect != nil {
		m.cfg.OnConnect(endpoint)
	}
	return nil
}

// handshake opens a connection to endpoint and registers the app on it. A
// failure on the encrypted port, while dialing or registering, falls back to
// cleartext.
func (m *Manager) handshake(ctx context.Context, endpoint Endpoint) (net.Conn, *bufio.Reader, State, error) {
	dialer := &net.Dialer{Timeout: m.cfg.DialTimeout}

	if m.cfg.PreferTLS && m.cfg.TLS != nil && endpoint.SecurePort > 0 {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: m.cfg.TLS}
		conn, err := tlsDialer.DialContext(ctx, "tcp", endpoint.SecureAddress())
		if err == nil {
			reader := bufio.NewReader(conn)
			if err = m.registerApp(conn, reader); err == nil {
				return conn, reader, ENCRYPTED, nil
			}
			_ = conn.Close()
		}
		log.Printf("Encrypted connection to %s failed, trying cleartext: %v", endpoint.SecureAddress(), err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", endpoint.ClearAddress())
	if err != nil {
		return nil, nil, DISCONNECTED, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	reader := bufio.NewReader(conn)
	if err := m.registerApp(conn, reader); err != nil {
		_ = conn.Close()
		log.Printf("[%s] app registration failed: %v", m.cfg.App.Identity, err)
		return nil, nil, DISCONNECTED, err
	}
	return conn, reader, CLEARTEXT, nil
}

// registerApp announces the app package and uploads it when the clone asks for it.
func (m *Manager) registerApp(conn net.Conn, r io.Reader) error {
	app := m.cfg.App
	size, err := app.size()
	if err != nil {
		return fmt.Errorf("app package unavailable: %w", err)
	}

	_ = conn.SetDeadline(time.Now().Add(m.cfg.DialTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	w := bufio.NewWriter(conn)
	if m.cfg.HelperSlot > 0 {
		if err := protocol.WriteOpcode(w, protocol.CLONE_ID_ASSIGN); err != nil {
			return err
		}
		if err := protocol.WriteByte(w, m.cfg.HelperSlot); err != nil {
			return err
		}
	}
	if err := (protocol.AppRegistration{Identity: app.Identity, Size: size}).Write(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	reply, err := protocol.ReadOpcode(r)
	if err != nil {
		return err
	}
	switch reply {
	case protocol.APP_PRESENT:
		log.Printf("[%s] app already present on the clone", app.Identity)
		return nil
	case protocol.APP_NEEDED:
	default:
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, reply)
	}

	// the package may be large: no deadline while streaming it
	_ = conn.SetDeadline(time.Time{})
	f, err := os.Open(app.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.CopyN(conn, f, size); err != nil {
		return fmt.Errorf("could not send the app package: %w", err)
	}
	log.Printf("[%s] sent app package (%d bytes)", app.Identity, size)
	return protocol.ExpectOpcode(r, protocol.OK)
}

// Run re-probes the clone every ReprobeInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReprobeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reprobe(ctx)
		}
	}
}

// Reprobe pings a live connection, dropping it if the clone does not answer,
// and reconnects when disconnected.
func (m *Manager) Reprobe(ctx context.Context) {
	if m.IsConnected() {
		if err := m.Ping(); err == nil {
			return
		}
		log.Printf("Clone did not answer the ping, reconnecting")
	}
	if err := m.Connect(ctx); err != nil {
		log.Printf("Could not connect to the clone: %v", err)
	}
}

// Ping checks that the clone answers on the current connection.
func (m *Manager) Ping() error {
	return m.exchange(context.Background(), func(w *bufio.Writer, r *bufio.Reader) error {
		if err := protocol.WriteOpcode(w, protocol.PING); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return protocol.ExpectOpcode(r, protocol.PONG)
	})
}

// NotifyMigration tells the clone that it is about to migrate. It returns once
// the clone has completed the calls it was running.
func (m *Manager) NotifyMigration(ctx context.Context, userID uint64) error {
	return m.exchange(ctx, func(w *bufio.Writer, r *bufio.Reader) error {
		if err := protocol.WriteOpcode(w, protocol.MIGRATION_NOTICE); err != nil {
			return err
		}
		if err := protocol.WriteInt64(w, int64(userID)); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return protocol.ExpectOpcode(r, protocol.OK)
	})
}

// Send writes one length-prefixed frame.
func (m *Manager) Send(payload []byte) error {
	return m.exchange(context.Background(), func(w *bufio.Writer, r *bufio.Reader) error {
		if err := protocol.WriteBlob(w, payload); err != nil {
			return err
		}
		return w.Flush()
	})
}

// Receive reads one length-prefixed frame.
func (m *Manager) Receive() ([]byte, error) {
	var payload []byte
	err := m.exchange(context.Background(), func(w *bufio.Writer, r *bufio.Reader) error {
		var err error
		payload, err = protocol.ReadBlob(r)
		return err
	})
	return payload, err
}

// Offload sends req and waits for the clone's envelope.
func (m *Manager) Offload(ctx context.Context, req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error) {
	var env *protocol.ResultEnvelope
	err := m.exchange(ctx, func(w *bufio.Writer, r *bufio.Reader) error {
		if err := protocol.WriteOpcode(w, protocol.OFFLOAD_REQUEST); err != nil {
			return err
		}
		if err := req.Write(w); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		var err error
		env, err = protocol.ReadResultEnvelope(r)
		return err
	})
	return env, err
}

// exchange runs fn on the current connection. Any failure drops the connection.
func (m *Manager) exchange(ctx context.Context, fn func(w *bufio.Writer, r *bufio.Reader) error) error {
	m.exchangeMu.Lock()
	defer m.exchangeMu.Unlock()

	m.mu.RLock()
	conn, reader := m.conn, m.reader
	m.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	if err := fn(bufio.NewWriter(conn), reader); err != nil {
		m.reset(conn, err)
		return err
	}
	return nil
}

// reset closes conn if it is still the current connection.
func (m *Manager) reset(conn net.Conn, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	log.Printf("Closing connection to the clone: %v", cause)
	_ = m.conn.Close()
	m.conn = nil
	m.reader = nil
	m.state = DISCONNECTED
}

// Close drops the connection.
func (m *Manager) Close() {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn != nil {
		m.reset(conn, errors.New("closed by the client"))
	}
}
