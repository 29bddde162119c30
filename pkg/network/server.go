package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/echotrace/pkg/crypto"
	"github.com/ZentaChain/echotrace/pkg/log"
	"github.com/ZentaChain/echotrace/pkg/protocol"
)

// ServerConfig configures a Server
type ServerConfig struct {
	// BindAddress is the host to listen on; empty listens on all interfaces
	BindAddress string
	Port        int

	// IdleTimeout closes sessions that receive nothing for this long (0 = never)
	IdleTimeout time.Duration

	// Backlog bounds the number of sessions served at once; further
	// accepted sockets wait for a free worker (0 = unbounded)
	Backlog int

	// KeyBits is the RSA key size generated on each Start (0 = 4096)
	KeyBits int

	// AAD is the associated data bound into every packet (empty = protocol.DefaultAAD)
	AAD string

	// AutoStart starts the server from NewServer
	AutoStart bool

	// Provider overrides the hybrid RSA/AES-GCM provider
	Provider crypto.Provider

	// LogBackend receives server and connection logs; nil discards them
	LogBackend *log.Backend
}

// ServerStats is a snapshot of server activity
type ServerStats struct {
	State             string    `json:"state"`
	Address           string    `json:"address"`
	KeyFingerprint    string    `json:"key_fingerprint"`
	StartedAt         time.Time `json:"started_at"`
	Accepted          uint64    `json:"accepted"`
	HandshakeFailures uint64    `json:"handshake_failures"`
	Active            int       `json:"active"`
	EventsDispatched  uint64    `json:"events_dispatched"`
	Workers           PoolStats `json:"workers"`
}

// Server accepts client sessions and dispatches their events to listeners
type Server struct {
	cfg        ServerConfig
	provider   crypto.Provider
	aad        []byte
	logBackend *log.Backend
	log        *logging.Logger

	dispatch *Dispatcher

	state atomic.Int32

	mu         sync.Mutex
	listener   net.Listener
	keypair    *crypto.Keypair
	workers    *Pool
	conns      map[*Conn]struct{}
	startedAt  time.Time
	acceptDone chan struct{}

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewServer creates a server. With AutoStart set it is also started.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidArgument, cfg.Port)
	}
	if cfg.IdleTimeout < 0 || cfg.Backlog < 0 {
		return nil, fmt.Errorf("%w: negative idle timeout or backlog", ErrInvalidArgument)
	}

	s := &Server{
		cfg:        cfg,
		provider:   cfg.Provider,
		aad:        protocol.AAD(cfg.AAD),
		logBackend: cfg.LogBackend,
	}
	if s.provider == nil {
		s.provider = crypto.NewHybridProvider(cfg.KeyBits)
	}
	if s.logBackend == nil {
		s.logBackend = log.Discard()
	}
	s.log = s.logBackend.GetLogger("server")
	s.dispatch = NewDispatcher(NewPool("server-events", 0, s.log), s.log)

	if cfg.AutoStart {
		if err := s.Start(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start generates a fresh keypair, binds the listener and starts accepting
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(int32(ServerStopped), int32(ServerStarting)) {
		return ErrAlreadyRunning
	}

	keypair, err := s.provider.GenerateKeypair()
	if err != nil {
		s.state.Store(int32(ServerStopped))
		return err
	}

	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.state.Store(int32(ServerStopped))
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	workers := NewPool("server-conns", s.cfg.Backlog, s.log)
	done := make(chan struct{})

	s.mu.Lock()
	s.listener = ln
	s.keypair = keypair
	s.workers = workers
	s.conns = make(map[*Conn]struct{})
	s.startedAt = time.Now()
	s.acceptDone = done
	s.mu.Unlock()

	s.state.Store(int32(ServerRunning))
	s.log.Noticef("Listening on %s (key %s)", ln.Addr(), crypto.Fingerprint(keypair.Public))

	go s.acceptLoop(ln, keypair, workers, done)
	return nil
}

// Close stops accepting, clears all listeners and closes every session.
// It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	ln, done := s.listener, s.acceptDone
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	ln.Close()
	<-done
	return nil
}

// Addr returns the bound listener address, nil when not running
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// State returns the server lifecycle state
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

// Connections returns the sessions that completed their handshake and are
// still open
func (s *Server) Connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		if c.State().open() {
			out = append(out, c)
		}
	}
	return out
}

// Stats returns server statistics
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	stats := ServerStats{
		State:             s.State().String(),
		StartedAt:         s.startedAt,
		Accepted:          s.accepted.Load(),
		HandshakeFailures: s.rejected.Load(),
		EventsDispatched:  s.dispatch.Dispatched(),
	}
	if s.listener != nil {
		stats.Address = s.listener.Addr().String()
	}
	if s.keypair != nil {
		stats.KeyFingerprint = crypto.Fingerprint(s.keypair.Public)
	}
	workers := s.workers
	s.mu.Unlock()

	if workers != nil {
		stats.Workers = workers.Stats()
	}
	stats.Active = len(s.Connections())
	return stats
}

// AddConnectionListener registers l for CONNECTED and REMOVED events
func (s *Server) AddConnectionListener(l ConnectionListener) error {
	return s.dispatch.AddConnectionListener(l)
}

// RemoveConnectionListener unregisters l
func (s *Server) RemoveConnectionListener(l ConnectionListener) error {
	return s.dispatch.RemoveConnectionListener(l)
}

// AddMessageListener registers l for text messages from any session
func (s *Server) AddMessageListener(l MessageListener) error {
	return s.dispatch.AddMessageListener(l)
}

// RemoveMessageListener unregisters l
func (s *Server) RemoveMessageListener(l MessageListener) error {
	return s.dispatch.RemoveMessageListener(l)
}

// AddCommandListener registers l for commands from any session
func (s *Server) AddCommandListener(l CommandListener) error {
	return s.dispatch.AddCommandListener(l)
}

// RemoveCommandListener unregisters l
func (s *Server) RemoveCommandListener(l CommandListener) error {
	return s.dispatch.RemoveCommandListener(l)
}

// AddJSONListener registers l for JSON documents from any session
func (s *Server) AddJSONListener(l JSONListener) error {
	return s.dispatch.AddJSONListener(l)
}

// RemoveJSONListener unregisters l
func (s *Server) RemoveJSONListener(l JSONListener) error {
	return s.dispatch.RemoveJSONListener(l)
}

// RemoveAllListeners clears every listener set
func (s *Server) RemoveAllListeners() {
	s.dispatch.RemoveAllListeners()
}

// acceptLoop accepts incoming connections until the listener is closed
func (s *Server) acceptLoop(ln net.Listener, keypair *crypto.Keypair, workers *Pool, done chan struct{}) {
	defer s.teardown(ln, workers, done)

	cfg := &connConfig{
		side:        SideServer,
		provider:    s.provider,
		local:       keypair,
		aad:         s.aad,
		idleTimeout: s.cfg.IdleTimeout,
		logBackend:  s.logBackend,
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Debugf("Listener closed")
			} else {
				s.log.Errorf("Accept error: %v", err)
			}
			return
		}

		s.accepted.Add(1)
		connectionsAccepted.Inc()

		c := newConn(nc, cfg)
		c.log.Debugf("New connection from %s", nc.RemoteAddr())
		s.track(c)

		if err := workers.Submit(func(ctx context.Context) { s.serve(ctx, c) }); err != nil {
			s.untrack(c)
			c.shutdown(false)
			return
		}
	}
}

// serve runs one session: handshake, CONNECTED, receive loop, REMOVED
func (s *Server) serve(ctx context.Context, c *Conn) {
	stop := context.AfterFunc(ctx, func() { c.shutdown(false) })
	defer stop()
	defer s.untrack(c)

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err := c.serverHandshake(hsCtx)
	cancel()
	if err != nil {
		s.rejected.Add(1)
		handshakeFailures.WithLabelValues(SideServer.String()).Inc()
		c.log.Warningf("%v", err)
		c.shutdown(false)
		return
	}

	active := activeConnections.WithLabelValues(SideServer.String())
	active.Inc()
	c.log.Infof("Session with %s established (peer %s)", c.RemoteAddr(), c.PeerFingerprint())
	s.dispatch.RaiseConnection(&ConnectionEvent{Conn: c, Kind: Connected, Time: time.Now()})

	if err := c.receiveLoop(s.dispatch); err != nil {
		c.log.Warningf("Session ended: %v", err)
	}

	active.Dec()
	c.log.Infof("Session with %s closed", c.RemoteAddr())
	s.dispatch.RaiseConnection(&ConnectionEvent{Conn: c, Kind: Removed, Time: time.Now()})
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// teardown runs once the accept loop exits
func (s *Server) teardown(ln net.Listener, workers *Pool, done chan struct{}) {
	s.dispatch.RemoveAllListeners()
	ln.Close()

	// Queued sockets never reach a worker, close them directly
	s.mu.Lock()
	pending := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		pending = append(pending, c)
	}
	s.mu.Unlock()

	workers.Stop()
	for _, c := range pending {
		c.shutdown(false)
	}

	s.mu.Lock()
	s.listener = nil
	s.workers = nil
	s.conns = nil
	s.mu.Unlock()

	s.state.Store(int32(ServerStopped))
	s.log.Noticef("Stopped")
	close(done)
}
