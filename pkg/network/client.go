package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/echotrace/pkg/crypto"
	"github.com/ZentaChain/echotrace/pkg/log"
	"github.com/ZentaChain/echotrace/pkg/protocol"
)

// ClientConfig configures a Client
type ClientConfig struct {
	Host string
	Port int

	// DialAttempts is the number of connection attempts made by Connect (0 = 1)
	DialAttempts int

	// DialTimeout bounds each connection attempt (0 = no limit)
	DialTimeout time.Duration

	// KeyBits is the RSA key size of the client keypair (0 = 4096)
	KeyBits int

	// AAD is the associated data bound into every packet (empty = protocol.DefaultAAD)
	AAD string

	// AutoConnect connects from NewClient
	AutoConnect bool

	// Provider overrides the hybrid RSA/AES-GCM provider
	Provider crypto.Provider

	// LogBackend receives client and connection logs; nil discards them
	LogBackend *log.Backend
}

// Client holds at most one session with a server. Its keypair is generated
// once and reused by every Connect.
type Client struct {
	cfg        ClientConfig
	addr       string
	provider   crypto.Provider
	keypair    *crypto.Keypair
	aad        []byte
	logBackend *log.Backend
	log        *logging.Logger

	dispatch *Dispatcher

	mu   sync.Mutex
	conn *Conn

	// connecting is set while a Connect dials and handshakes outside mu;
	// cancelConnect aborts it
	connecting    bool
	cancelConnect context.CancelFunc
}

// NewClient creates a client and its keypair. With AutoConnect set it also
// connects.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidArgument, cfg.Port)
	}

	c := &Client{
		cfg:        cfg,
		addr:       net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		provider:   cfg.Provider,
		aad:        protocol.AAD(cfg.AAD),
		logBackend: cfg.LogBackend,
	}
	if c.provider == nil {
		c.provider = crypto.NewHybridProvider(cfg.KeyBits)
	}
	if c.logBackend == nil {
		c.logBackend = log.Discard()
	}
	c.log = c.logBackend.GetLogger("client")
	c.dispatch = NewDispatcher(NewPool("client-events", 0, c.log), c.log)

	keypair, err := c.provider.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	c.keypair = keypair

	if cfg.AutoConnect {
		if err := c.Connect(context.Background()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Connect dials the server and performs the handshake. It returns once the
// session is established; events are then delivered to the listeners.
// Close aborts a Connect in progress.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connecting || (c.conn != nil && c.conn.State() != StateClosed) {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	c.connecting = true
	c.cancelConnect = cancel
	c.mu.Unlock()

	conn, err := c.establish(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting = false
	c.cancelConnect = nil

	// Close may have run between the handshake and here
	if err == nil && ctx.Err() != nil {
		conn.shutdown(false)
		err = fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())
	}
	cancel()
	if err != nil {
		return err
	}

	c.conn = conn
	c.log.Noticef("Connected to %s (server key %s)", c.addr, conn.PeerFingerprint())

	active := activeConnections.WithLabelValues(SideClient.String())
	active.Inc()
	go func() {
		defer active.Dec()
		if err := conn.receiveLoop(c.dispatch); err != nil {
			conn.log.Warningf("Session ended: %v", err)
		}
		c.log.Infof("Disconnected from %s", c.addr)
	}()

	return nil
}

func (c *Client) establish(ctx context.Context) (*Conn, error) {
	nc, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	conn := newConn(nc, &connConfig{
		side:       SideClient,
		provider:   c.provider,
		local:      c.keypair,
		aad:        c.aad,
		logBackend: c.logBackend,
	})

	if err := conn.clientHandshake(ctx); err != nil {
		handshakeFailures.WithLabelValues(SideClient.String()).Inc()
		conn.shutdown(false)
		return nil, err
	}
	return conn, nil
}

// Conn returns the current session, nil if Connect has not succeeded yet
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// KeyFingerprint returns the fingerprint of the client public key
func (c *Client) KeyFingerprint() string {
	return crypto.Fingerprint(c.keypair.Public)
}

// SendText sends a free-text message to the server
func (c *Client) SendText(text string) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendText(text)
}

// SendCommand sends a command to the server
func (c *Client) SendCommand(verb, arguments string) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendCommand(verb, arguments)
}

// SendJSON sends a JSON object to the server
func (c *Client) SendJSON(doc map[string]any) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendJSON(doc)
}

// Close ends the session, notifying the server, or aborts a Connect in
// progress. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancelConnect != nil {
		c.cancelConnect()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// AddMessageListener registers l for text messages from the server
func (c *Client) AddMessageListener(l MessageListener) error {
	return c.dispatch.AddMessageListener(l)
}

// RemoveMessageListener unregisters l
func (c *Client) RemoveMessageListener(l MessageListener) error {
	return c.dispatch.RemoveMessageListener(l)
}

// AddCommandListener registers l for commands from the server
func (c *Client) AddCommandListener(l CommandListener) error {
	return c.dispatch.AddCommandListener(l)
}

// RemoveCommandListener unregisters l
func (c *Client) RemoveCommandListener(l CommandListener) error {
	return c.dispatch.RemoveCommandListener(l)
}

// AddJSONListener registers l for JSON documents from the server
func (c *Client) AddJSONListener(l JSONListener) error {
	return c.dispatch.AddJSONListener(l)
}

// RemoveJSONListener unregisters l
func (c *Client) RemoveJSONListener(l JSONListener) error {
	return c.dispatch.RemoveJSONListener(l)
}

// RemoveAllListeners clears every listener set
func (c *Client) RemoveAllListeners() {
	c.dispatch.RemoveAllListeners()
}
