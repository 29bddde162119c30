// Package network implements EchoTrace sessions over TCP.
//
// A Server accepts sockets and serves each one on a worker from its
// connection pool. A Client dials a single server. Both sides run the same
// key exchange (see handshake.go), after which every packet is sealed for
// the peer with the hybrid RSA/AES-GCM provider and written as one line.
//
// Received packets are delivered to listeners through a Dispatcher. Each
// listener call runs as its own task, so listeners may block or reply on the
// connection (Message.Conn.SendText and friends) without stalling the
// receive loop.
//
//	s, _ := network.NewServer(network.ServerConfig{Port: 7700})
//	s.AddMessageListener(network.OnMessage(func(m *network.Message) {
//		m.Conn.SendText("echo: " + m.Text)
//	}))
//	s.Start()
package network
