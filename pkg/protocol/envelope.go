package protocol

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ZentaChain/echotrace/pkg/crypto"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(err)
	}
}

// GCMParams carries the nonce parameters of a packet
type GCMParams struct {
	IV     []byte `cbor:"iv"`
	TagLen int    `cbor:"tLen"`
}

// EncryptedPacket is the session-traffic envelope. Payload and Key are
// base64 strings of the ciphertext and the wrapped key.
type EncryptedPacket struct {
	Payload     string      `cbor:"payload"`
	PayloadType PayloadType `cbor:"payloadType"`
	GCM         GCMParams   `cbor:"gcmParamSpec"`
	Key         string      `cbor:"key"`
}

// Seal encrypts payload for recipient and wraps it in a packet of the given type
func Seal(p crypto.Provider, kind PayloadType, payload []byte, recipient *rsa.PublicKey, local *rsa.PrivateKey, aad []byte) (*EncryptedPacket, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	nonce, err := p.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed, err := p.Encrypt(payload, recipient, local, nonce, aad)
	if err != nil {
		return nil, err
	}

	return &EncryptedPacket{
		Payload:     base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		PayloadType: kind,
		GCM: GCMParams{
			IV:     sealed.Nonce.IV,
			TagLen: sealed.Nonce.TagBits,
		},
		Key: base64.StdEncoding.EncodeToString(sealed.WrappedKey),
	}, nil
}

// Open verifies and decrypts the packet payload
func (pkt *EncryptedPacket) Open(p crypto.Provider, peer *rsa.PublicKey, local *rsa.PrivateKey, aad []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(pkt.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrProtocolDecode, err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(pkt.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrProtocolDecode, err)
	}

	return p.Decrypt(&crypto.Sealed{
		WrappedKey: wrapped,
		Ciphertext: ciphertext,
		Nonce: crypto.NonceSpec{
			IV:      pkt.GCM.IV,
			TagBits: pkt.GCM.TagLen,
		},
	}, peer, local, aad)
}

// MarshalLine serializes the packet to CBOR, base64-encodes it and appends
// the newline frame delimiter.
func (pkt *EncryptedPacket) MarshalLine() ([]byte, error) {
	raw, err := encMode.Marshal(pkt)
	if err != nil {
		return nil, err
	}

	line := make([]byte, base64.StdEncoding.EncodedLen(len(raw))+1)
	base64.StdEncoding.Encode(line, raw)
	line[len(line)-1] = '\n'
	return line, nil
}

// UnmarshalLine parses one framed line back into a packet
func UnmarshalLine(line []byte) (*EncryptedPacket, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocolDecode)
	}

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(raw, line)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrProtocolDecode, err)
	}

	var pkt EncryptedPacket
	if err := decMode.Unmarshal(raw[:n], &pkt); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrProtocolDecode, err)
	}
	if err := pkt.PayloadType.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	if pkt.Payload == "" || pkt.Key == "" {
		return nil, fmt.Errorf("%w: missing payload or key", ErrProtocolDecode)
	}

	return &pkt, nil
}
