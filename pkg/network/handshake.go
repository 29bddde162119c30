package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ZentaChain/echotrace/pkg/protocol"
)

const (
	// handshakeTimeout bounds a whole handshake
	handshakeTimeout = 2 * time.Minute

	// handshakeReadTimeout bounds each read during the handshake
	handshakeReadTimeout = 5 * time.Second
)

// The handshake is three lines:
//
//	client -> server  client key line
//	server -> client  server key line
//	client -> server  encrypted TEXT "handshake"
//
// The server only reaches Established after verifying the confirmation. A
// server key damaged in transit is caught by the client on the first packet
// it receives, since every packet is signed with the server's real key.

func (c *Conn) serverHandshake(ctx context.Context) error {
	return c.handshake(ctx, func(deadline time.Time) error {
		if err := c.readPeerKey(deadline); err != nil {
			return err
		}
		if err := c.writeKey(deadline); err != nil {
			return err
		}
		return c.readConfirmation(deadline)
	})
}

func (c *Conn) clientHandshake(ctx context.Context) error {
	return c.handshake(ctx, func(deadline time.Time) error {
		if err := c.writeKey(deadline); err != nil {
			return err
		}
		if err := c.readPeerKey(deadline); err != nil {
			return err
		}
		return c.writeConfirmation(deadline)
	})
}

func (c *Conn) handshake(ctx context.Context, exchange func(deadline time.Time) error) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// Cancellation unblocks pending I/O by expiring the deadlines
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetDeadline(time.Now())
	})
	defer stop()

	if err := exchange(deadline); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if !stop() {
		return fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())
	}

	if err := c.nc.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if !c.state.CompareAndSwap(int32(StateAwaitingHandshake), int32(StateEstablished)) {
		return fmt.Errorf("%w: %w", ErrHandshake, ErrNotConnected)
	}

	c.log.Debugf("Session established with peer %s", c.PeerFingerprint())
	return nil
}

func (c *Conn) readDeadline(deadline time.Time) time.Time {
	d := time.Now().Add(handshakeReadTimeout)
	if deadline.Before(d) {
		return deadline
	}
	return d
}

func (c *Conn) readHandshakeLine(deadline time.Time) ([]byte, error) {
	if err := c.nc.SetReadDeadline(c.readDeadline(deadline)); err != nil {
		return nil, err
	}
	line, err := c.readLine()
	if errors.Is(err, io.EOF) {
		return nil, io.ErrUnexpectedEOF
	}
	return line, err
}

func (c *Conn) readPeerKey(deadline time.Time) error {
	line, err := c.readHandshakeLine(deadline)
	if err != nil {
		return fmt.Errorf("reading key: %w", err)
	}
	peer, err := protocol.ParseKeyLine(string(line))
	if err != nil {
		return err
	}
	c.peer = peer
	return nil
}

func (c *Conn) writeKey(deadline time.Time) error {
	line, err := protocol.FormatKeyLine(c.local.Public)
	if err != nil {
		return err
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.writeLine(line)
}

func (c *Conn) readConfirmation(deadline time.Time) error {
	line, err := c.readHandshakeLine(deadline)
	if err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}

	pkt, err := protocol.UnmarshalLine(line)
	if err != nil {
		return err
	}
	if pkt.PayloadType != protocol.PayloadText {
		return fmt.Errorf("confirmation has payload type %s", pkt.PayloadType)
	}
	body, err := pkt.Open(c.provider, c.peer, c.local.Private, c.aad)
	if err != nil {
		return err
	}
	text, err := protocol.DecodeText(body)
	if err != nil {
		return err
	}
	if text != protocol.HandshakeConfirmation {
		return fmt.Errorf("unexpected confirmation %q", text)
	}
	return nil
}

func (c *Conn) writeConfirmation(deadline time.Time) error {
	body, err := protocol.EncodeText(protocol.HandshakeConfirmation)
	if err != nil {
		return err
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.writePacket(protocol.PayloadText, body)
}
