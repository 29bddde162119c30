package network

import (
	"errors"

	"github.com/ZentaChain/echotrace/pkg/protocol"
)

var (
	ErrHandshake        = errors.New("handshake failed")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrAlreadyRunning   = errors.New("server already running")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrPoolClosed       = errors.New("task pool closed")

	// ErrProtocolDecode is returned when a received line cannot be decoded,
	// verified or decrypted.
	ErrProtocolDecode = protocol.ErrProtocolDecode
)
