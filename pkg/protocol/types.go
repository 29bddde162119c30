package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Protocol constants
const (
	// ProtocolVersion is bumped whenever DefaultAAD or the envelope layout changes
	ProtocolVersion = 1

	// DefaultAAD is the associated data bound into every encryption for
	// ProtocolVersion. Both peers must use the same value.
	DefaultAAD = "eco.echotrace.77"

	// HandshakeConfirmation is the text carried by the handshake confirmation packet
	HandshakeConfirmation = "handshake"

	// MaxLineSize bounds a single framed line (base64 envelope or key line)
	MaxLineSize = 16 << 20
)

// Reserved in-band control command
const (
	ControlVerb       = "sudo"
	DisconnectCommand = "disconnect"
)

var (
	ErrProtocolDecode  = errors.New("protocol decode failure")
	ErrUnknownPayload  = errors.New("unknown payload type")
	ErrLineTooLong     = errors.New("frame exceeds maximum line size")
	ErrEmbeddedNewline = errors.New("frame contains an embedded newline")
	ErrMalformedKey    = errors.New("malformed key line")
	ErrEmptyDocument   = errors.New("empty json document")
	ErrInvalidDocument = errors.New("json payload is not an object")
)

// PayloadType identifies what the encrypted payload of a packet contains
type PayloadType string

const (
	PayloadText    PayloadType = "TEXT"
	PayloadCommand PayloadType = "COMMAND"
	PayloadJSON    PayloadType = "JSON"
)

// Validate rejects payload types outside TEXT, COMMAND and JSON
func (t PayloadType) Validate() error {
	switch t {
	case PayloadText, PayloadCommand, PayloadJSON:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPayload, string(t))
	}
}

// String returns the payload type name
func (t PayloadType) String() string {
	return string(t)
}

// AAD returns the associated data for the given tag, falling back to DefaultAAD
func AAD(tag string) []byte {
	if tag == "" {
		tag = DefaultAAD
	}
	return []byte(tag)
}

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
