package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TextPayload is the decrypted body of a TEXT packet
type TextPayload struct {
	Text string `json:"text"`
}

// DataPacket tags a payload with a creation time and a random identifier
type DataPacket struct {
	UUID      string `json:"uuid,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// NewDataPacket stamps a packet with the current time and a fresh UUID
func NewDataPacket() DataPacket {
	return DataPacket{
		UUID:      uuid.NewString(),
		Timestamp: NowUnixMilli(),
	}
}

// CommandPacket is the decrypted body of a COMMAND packet
type CommandPacket struct {
	DataPacket
	Command   string `json:"command"`
	Arguments string `json:"arguments"`
}

// NewCommandPacket creates a command packet
func NewCommandPacket(command, arguments string) *CommandPacket {
	return &CommandPacket{
		DataPacket: NewDataPacket(),
		Command:    command,
		Arguments:  arguments,
	}
}

// IsDisconnect reports whether this is the reserved disconnect command
func (c *CommandPacket) IsDisconnect() bool {
	return c.Command == ControlVerb && c.Arguments == DisconnectCommand
}

// EncodeText encodes a TEXT payload
func EncodeText(text string) ([]byte, error) {
	return json.Marshal(&TextPayload{Text: text})
}

// DecodeText decodes a TEXT payload
func DecodeText(data []byte) (string, error) {
	var p TextPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("%w: text payload: %v", ErrProtocolDecode, err)
	}
	return p.Text, nil
}

// EncodeCommand encodes a COMMAND payload
func EncodeCommand(c *CommandPacket) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand decodes a COMMAND payload
func DecodeCommand(data []byte) (*CommandPacket, error) {
	var c CommandPacket
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: command payload: %v", ErrProtocolDecode, err)
	}
	return &c, nil
}

// EncodeDocument encodes a JSON payload; nil and empty documents are rejected
func EncodeDocument(doc map[string]any) ([]byte, error) {
	if len(doc) == 0 {
		return nil, ErrEmptyDocument
	}
	return json.Marshal(doc)
}

// DecodeDocument decodes a JSON payload, which must be a JSON object
func DecodeDocument(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, ErrInvalidDocument)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: json payload: %v", ErrProtocolDecode, err)
	}
	return doc, nil
}
