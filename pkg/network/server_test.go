package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	cfg.BindAddress = "127.0.0.1"
	cfg.KeyBits = testKeyBits

	s, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestClient(t *testing.T, s *Server) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Host:    "127.0.0.1",
		Port:    s.Addr().(*net.TCPAddr).Port,
		KeyBits: testKeyBits,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerClientSession(t *testing.T) {
	start := time.Now()
	s := startTestServer(t, ServerConfig{})

	created := make(chan *ConnectionEvent, 4)
	removed := make(chan *ConnectionEvent, 4)
	messages := make(chan *Message, 4)
	replies := make(chan *Message, 4)

	require.NoError(t, s.AddConnectionListener(OnConnection(
		func(e *ConnectionEvent) { created <- e },
		func(e *ConnectionEvent) { removed <- e },
	)))
	require.NoError(t, s.AddMessageListener(OnMessage(func(m *Message) {
		messages <- m
		m.Conn.SendText("welcome")
	})))

	c := newTestClient(t, s)
	require.NoError(t, c.AddMessageListener(OnMessage(func(m *Message) { replies <- m })))
	require.NoError(t, c.Connect(context.Background()))

	ev := recv(t, created)
	assert.Equal(t, Connected, ev.Kind)
	assert.False(t, ev.Conn.Created().Before(start))
	assert.Equal(t, c.KeyFingerprint(), ev.Conn.PeerFingerprint())

	require.NoError(t, c.SendText("hello"))
	m := recv(t, messages)
	assert.Equal(t, "hello", m.Text)
	assert.Same(t, ev.Conn, m.Conn)
	assert.Equal(t, "welcome", recv(t, replies).Text)

	assert.Len(t, s.Connections(), 1)
	stats := s.Stats()
	assert.Equal(t, "running", stats.State)
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, 1, stats.Active)

	require.NoError(t, c.Close())
	ev = recv(t, removed)
	assert.Equal(t, Removed, ev.Kind)

	// Each lifecycle event is raised exactly once
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, created)
	assert.Empty(t, removed)
	assert.Empty(t, s.Connections())
}

func TestServerCommandsAndDocuments(t *testing.T) {
	s := startTestServer(t, ServerConfig{Backlog: 2})

	commands := make(chan *Command, 1)
	docs := make(chan *JSONDocument, 1)
	require.NoError(t, s.AddCommandListener(OnCommand(func(c *Command) {
		commands <- c
		c.Conn.SendJSON(map[string]any{"ack": c.UUID})
	})))
	require.NoError(t, s.AddJSONListener(OnJSON(func(d *JSONDocument) { docs <- d })))

	c := newTestClient(t, s)
	acks := make(chan *JSONDocument, 1)
	require.NoError(t, c.AddJSONListener(OnJSON(func(d *JSONDocument) { acks <- d })))
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.SendCommand("status", "--verbose"))
	cmd := recv(t, commands)
	assert.Equal(t, "status", cmd.Verb)
	assert.Equal(t, "--verbose", cmd.Arguments)
	assert.Equal(t, cmd.UUID, recv(t, acks).Document["ack"])

	require.NoError(t, c.SendJSON(map[string]any{"k": "v"}))
	assert.Equal(t, "v", recv(t, docs).Document["k"])
}

func TestServerStartTwice(t *testing.T) {
	s := startTestServer(t, ServerConfig{})
	assert.Equal(t, ServerRunning, s.State())
	first := s.Stats().KeyFingerprint

	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, ServerStopped, s.State())
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start())
	assert.Equal(t, ServerRunning, s.State())
	assert.NotEqual(t, first, s.Stats().KeyFingerprint)
}

func TestServerAutoStart(t *testing.T) {
	s, err := NewServer(ServerConfig{BindAddress: "127.0.0.1", KeyBits: testKeyBits, AutoStart: true})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, ServerRunning, s.State())
	assert.NotNil(t, s.Addr())
}

func TestServerInvalidConfig(t *testing.T) {
	_, err := NewServer(ServerConfig{Port: 70000})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewServer(ServerConfig{Backlog: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestServerCloseClearsListenersAndSessions(t *testing.T) {
	s := startTestServer(t, ServerConfig{})

	messages := make(chan *Message, 1)
	require.NoError(t, s.AddMessageListener(OnMessage(func(m *Message) { messages <- m })))

	c := newTestClient(t, s)
	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(s.Connections()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	require.Eventually(t, func() bool { return c.Conn().State() == StateClosed }, 5*time.Second, 10*time.Millisecond)

	// A restarted server has no listeners left
	require.NoError(t, s.Start())
	c2 := newTestClient(t, s)
	require.NoError(t, c2.Connect(context.Background()))
	require.NoError(t, c2.SendText("anyone?"))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, messages)
}

func TestServerRejectsBadHandshake(t *testing.T) {
	s := startTestServer(t, ServerConfig{})

	created := make(chan *ConnectionEvent, 1)
	require.NoError(t, s.AddConnectionListener(OnConnection(func(e *ConnectionEvent) { created <- e }, nil)))

	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	_, err = nc.Write([]byte("[1, 2, 3]\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Stats().HandshakeFailures == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, created)

	// The server keeps serving other clients
	c := newTestClient(t, s)
	require.NoError(t, c.Connect(context.Background()))
	recv(t, created)
}

func TestServerIdleTimeout(t *testing.T) {
	s := startTestServer(t, ServerConfig{IdleTimeout: 100 * time.Millisecond})

	removed := make(chan *ConnectionEvent, 1)
	require.NoError(t, s.AddConnectionListener(OnConnection(nil, func(e *ConnectionEvent) { removed <- e })))

	c := newTestClient(t, s)
	require.NoError(t, c.Connect(context.Background()))

	recv(t, removed)
	require.Eventually(t, func() bool { return c.Conn().State() == StateClosed }, 5*time.Second, 10*time.Millisecond)
}

func TestClientConnectTwice(t *testing.T) {
	s := startTestServer(t, ServerConfig{})
	c := newTestClient(t, s)

	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

	// The keypair survives reconnects
	fp := c.KeyFingerprint()
	require.NoError(t, c.Close())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, fp, c.KeyFingerprint())
	assert.True(t, c.Conn().State().open())
}

func TestClientCloseAbortsConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		if nc, err := ln.Accept(); err == nil {
			accepted <- nc
		}
	}()

	c, err := NewClient(ClientConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, KeyBits: testKeyBits})
	require.NoError(t, err)

	begin := time.Now()
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()

	// Accepted, but the key line is never answered
	nc := recv(t, accepted)
	defer nc.Close()

	assert.Nil(t, c.Conn())
	assert.ErrorIs(t, c.SendText("x"), ErrNotConnected)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
	require.NoError(t, c.Close())

	err = waitErr(t, errc)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(begin), handshakeReadTimeout)
	assert.Nil(t, c.Conn())
}

func TestClientNotConnected(t *testing.T) {
	c, err := NewClient(ClientConfig{Host: "127.0.0.1", Port: 1, KeyBits: testKeyBits})
	require.NoError(t, err)

	assert.Nil(t, c.Conn())
	assert.ErrorIs(t, c.SendText("x"), ErrNotConnected)
	assert.ErrorIs(t, c.SendCommand("x", ""), ErrNotConnected)
	assert.ErrorIs(t, c.SendJSON(map[string]any{"x": 1}), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestClientDialRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c, err := NewClient(ClientConfig{Host: "127.0.0.1", Port: port, KeyBits: testKeyBits, DialAttempts: 2})
	require.NoError(t, err)

	begin := time.Now()
	err = c.Connect(context.Background())
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), dialBackoff)
	assert.Nil(t, c.Conn())
}

func TestClientInvalidConfig(t *testing.T) {
	_, err := NewClient(ClientConfig{Host: "127.0.0.1"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
