package network

import "fmt"

// State is the lifecycle state of a connection
type State int32

const (
	StateAwaitingHandshake State = iota
	StateEstablished
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateEstablished:
		return "established"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// open reports whether application payloads may be sent in this state
func (s State) open() bool {
	return s == StateEstablished || s == StateActive
}

// Side identifies which end of the session a connection belongs to
type Side uint8

const (
	SideServer Side = iota
	SideClient
)

func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// ServerState is the lifecycle state of a Server
type ServerState int32

const (
	ServerStopped ServerState = iota
	ServerStarting
	ServerRunning
)

func (s ServerState) String() string {
	switch s {
	case ServerStopped:
		return "stopped"
	case ServerStarting:
		return "starting"
	case ServerRunning:
		return "running"
	default:
		return fmt.Sprintf("server-state(%d)", int32(s))
	}
}
