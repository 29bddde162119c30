package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/ZentaChain/echotrace/pkg/protocol"
)

// receiveLoop reads packets until the connection ends and hands decoded
// events to d. It returns nil when the connection ended normally (peer
// closed, local close, idle timeout or disconnect command) and an error
// otherwise. The connection is closed when it returns.
func (c *Conn) receiveLoop(d *Dispatcher) error {
	defer c.shutdown(false)

	if !c.state.CompareAndSwap(int32(StateEstablished), int32(StateActive)) {
		return ErrNotConnected
	}

	for {
		if c.idleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}

		line, err := c.readLine()
		if err != nil {
			return c.readError(err)
		}

		closed, err := c.handleLine(line, d)
		if err != nil {
			decodeFailures.Inc()
			return err
		}
		if closed {
			return nil
		}
	}
}

// readError classifies a read failure. Transport endings are not errors.
func (c *Conn) readError(err error) error {
	switch {
	case !c.State().open():
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		c.log.Debugf("Peer closed the connection")
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.log.Infof("Idle for %v, closing", c.idleTimeout)
		return nil
	default:
		return fmt.Errorf("read: %w", err)
	}
}

// handleLine decodes one line and dispatches it. It reports closed when the
// peer asked to disconnect.
func (c *Conn) handleLine(line []byte, d *Dispatcher) (bool, error) {
	now := time.Now()

	pkt, err := protocol.UnmarshalLine(line)
	if err != nil {
		return false, err
	}
	body, err := pkt.Open(c.provider, c.peer, c.local.Private, c.aad)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrProtocolDecode, err)
	}

	switch pkt.PayloadType {
	case protocol.PayloadText:
		text, err := protocol.DecodeText(body)
		if err != nil {
			return false, err
		}
		eventsReceived.WithLabelValues("message").Inc()
		d.RaiseMessage(&Message{Conn: c, Text: text, Time: now})

	case protocol.PayloadCommand:
		cmd, err := protocol.DecodeCommand(body)
		if err != nil {
			return false, err
		}
		if cmd.IsDisconnect() {
			c.log.Debugf("Peer requested disconnect")
			return true, nil
		}
		eventsReceived.WithLabelValues("command").Inc()
		d.RaiseCommand(&Command{
			Conn:      c,
			Verb:      cmd.Command,
			Arguments: cmd.Arguments,
			UUID:      cmd.UUID,
			Timestamp: cmd.Timestamp,
			Time:      now,
		})

	case protocol.PayloadJSON:
		doc, err := protocol.DecodeDocument(body)
		if err != nil {
			return false, err
		}
		eventsReceived.WithLabelValues("json").Inc()
		d.RaiseJSON(&JSONDocument{Conn: c, Document: doc, Time: now})
	}

	return false, nil
}
