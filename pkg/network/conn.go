package network

import (
	"bufio"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/echotrace/pkg/crypto"
	"github.com/ZentaChain/echotrace/pkg/log"
	"github.com/ZentaChain/echotrace/pkg/protocol"
)

// disconnectTimeout bounds the best-effort disconnect written by Close
const disconnectTimeout = time.Second

// Conn is one established (or establishing) session over a socket.
// Sends are safe for concurrent use; each packet is written as one line.
type Conn struct {
	id      uuid.UUID
	side    Side
	created time.Time

	nc net.Conn
	r  *bufio.Reader

	wmu   sync.Mutex
	state atomic.Int32

	provider crypto.Provider
	local    *crypto.Keypair
	peer     *rsa.PublicKey
	aad      []byte

	idleTimeout time.Duration
	log         *logging.Logger

	closeOnce sync.Once
	done      chan struct{}
}

type connConfig struct {
	side        Side
	provider    crypto.Provider
	local       *crypto.Keypair
	aad         []byte
	idleTimeout time.Duration
	logBackend  *log.Backend
}

func newConn(nc net.Conn, cfg *connConfig) *Conn {
	id := uuid.New()
	c := &Conn{
		id:          id,
		side:        cfg.side,
		created:     time.Now(),
		nc:          nc,
		r:           bufio.NewReader(nc),
		provider:    cfg.provider,
		local:       cfg.local,
		aad:         cfg.aad,
		idleTimeout: cfg.idleTimeout,
		log:         cfg.logBackend.GetLogger("conn:" + id.String()[:8]),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateAwaitingHandshake))
	return c
}

// ID returns the connection identifier
func (c *Conn) ID() string {
	return c.id.String()
}

// Side reports whether this is the server or the client end
func (c *Conn) Side() Side {
	return c.side
}

// Created returns the time the socket was accepted or dialed
func (c *Conn) Created() time.Time {
	return c.created
}

// State returns the current lifecycle state
func (c *Conn) State() State {
	return State(c.state.Load())
}

// RemoteAddr returns the peer socket address
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// LocalAddr returns the local socket address
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// PeerKey returns the peer public key, nil before the key exchange
func (c *Conn) PeerKey() *rsa.PublicKey {
	return c.peer
}

// PeerFingerprint returns a short hex fingerprint of the peer key
func (c *Conn) PeerFingerprint() string {
	return crypto.Fingerprint(c.peer)
}

// Done is closed once the connection has been torn down
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// SendText sends a free-text message
func (c *Conn) SendText(text string) error {
	body, err := protocol.EncodeText(text)
	if err != nil {
		return err
	}
	return c.send(protocol.PayloadText, body)
}

// SendCommand sends a structured command. The reserved disconnect command
// cannot be sent this way; use Close.
func (c *Conn) SendCommand(verb, arguments string) error {
	cmd := protocol.NewCommandPacket(verb, arguments)
	if cmd.IsDisconnect() {
		return fmt.Errorf("%w: reserved command", ErrInvalidArgument)
	}
	body, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return c.send(protocol.PayloadCommand, body)
}

// SendJSON sends an arbitrary JSON object. Nil and empty documents are rejected.
func (c *Conn) SendJSON(doc map[string]any) error {
	body, err := protocol.EncodeDocument(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return c.send(protocol.PayloadJSON, body)
}

// Close sends a best-effort disconnect to the peer and closes the socket.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown(true)
	return nil
}

func (c *Conn) send(kind protocol.PayloadType, body []byte) error {
	if !c.State().open() {
		return ErrNotConnected
	}
	if err := c.writePacket(kind, body); err != nil {
		if !c.State().open() || errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return err
	}
	return nil
}

// writePacket seals and writes one packet regardless of the state
func (c *Conn) writePacket(kind protocol.PayloadType, body []byte) error {
	pkt, err := protocol.Seal(c.provider, kind, body, c.peer, c.local.Private, c.aad)
	if err != nil {
		return err
	}
	line, err := pkt.MarshalLine()
	if err != nil {
		return err
	}
	return c.writeLine(line)
}

func (c *Conn) writeLine(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteLine(c.nc, line)
}

func (c *Conn) readLine() ([]byte, error) {
	return protocol.ReadLine(c.r)
}

// shutdown tears the connection down once. With notify set and a session in
// place, the peer is sent the reserved disconnect command first.
func (c *Conn) shutdown(notify bool) {
	c.closeOnce.Do(func() {
		prev := State(c.state.Swap(int32(StateClosing)))
		if notify && prev.open() {
			c.sendDisconnect()
		}
		c.nc.Close()
		c.state.Store(int32(StateClosed))
		close(c.done)
		c.log.Debugf("Closed (was %s)", prev)
	})
}

func (c *Conn) sendDisconnect() {
	body, err := protocol.EncodeCommand(protocol.NewCommandPacket(protocol.ControlVerb, protocol.DisconnectCommand))
	if err != nil {
		return
	}
	c.nc.SetWriteDeadline(time.Now().Add(disconnectTimeout))
	if err := c.writePacket(protocol.PayloadCommand, body); err != nil {
		c.log.Debugf("Disconnect notice not delivered: %v", err)
	}
}
