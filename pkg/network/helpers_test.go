package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/ZentaChain/echotrace/pkg/crypto"
	"github.com/ZentaChain/echotrace/pkg/log"
	"github.com/ZentaChain/echotrace/pkg/protocol"
)

const testKeyBits = 2048

var testProvider = crypto.NewHybridProvider(testKeyBits)

var (
	keysOnce   sync.Once
	serverKeys *crypto.Keypair
	clientKeys *crypto.Keypair
	keysErr    error
)

// testKeypairs returns two keypairs shared by the tests in this package
func testKeypairs(t *testing.T) (*crypto.Keypair, *crypto.Keypair) {
	t.Helper()
	keysOnce.Do(func() {
		if serverKeys, keysErr = testProvider.GenerateKeypair(); keysErr != nil {
			return
		}
		clientKeys, keysErr = testProvider.GenerateKeypair()
	})
	require.NoError(t, keysErr)
	return serverKeys, clientKeys
}

func testLogger() *logging.Logger {
	return log.Discard().GetLogger("test")
}

func newTestConn(nc net.Conn, side Side, local *crypto.Keypair) *Conn {
	return newConn(nc, &connConfig{
		side:       side,
		provider:   testProvider,
		local:      local,
		aad:        protocol.AAD(""),
		logBackend: log.Discard(),
	})
}

// pipePair returns a server and a client Conn over net.Pipe with the
// handshake completed on both
func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	sk, ck := testKeypairs(t)
	sp, cp := net.Pipe()

	srv := newTestConn(sp, SideServer, sk)
	cli := newTestConn(cp, SideClient, ck)
	t.Cleanup(func() {
		srv.shutdown(false)
		cli.shutdown(false)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- srv.serverHandshake(ctx) }()

	require.NoError(t, cli.clientHandshake(ctx))
	require.NoError(t, <-errc)
	return srv, cli
}

// runLoop starts c's receive loop and returns a channel with its result
func runLoop(c *Conn, d *Dispatcher) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.receiveLoop(d) }()
	return done
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
		return nil
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}
