package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	dialBackoff    = 250 * time.Millisecond
	maxDialBackoff = 30 * time.Second
)

// dial connects to the server, retrying with exponential backoff until
// DialAttempts is exhausted or ctx is done
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	attempts := max(c.cfg.DialAttempts, 1)
	backoff := dialBackoff
	d := net.Dialer{Timeout: c.cfg.DialTimeout}

	for attempt := 1; ; attempt++ {
		nc, err := d.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			return nc, nil
		}
		if attempt >= attempts || ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", c.addr, err)
		}

		c.log.Warningf("Dial %s failed (attempt %d/%d), retrying in %v: %v", c.addr, attempt, attempts, backoff, err)

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("dial %s: %w", c.addr, ctx.Err())
		}

		backoff *= 2
		if backoff > maxDialBackoff {
			backoff = maxDialBackoff
		}
	}
}
