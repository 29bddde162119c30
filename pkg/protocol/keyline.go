package protocol

import (
	"crypto/rsa"
	"fmt"
	"strconv"
	"strings"

	"github.com/ZentaChain/echotrace/pkg/crypto"
)

// FormatKeyLine renders a public key as the bracketed, comma separated list of
// the signed byte values of its PKIX DER encoding, newline terminated:
//
//	[48, -126, 1, 34, ...]
func FormatKeyLine(key *rsa.PublicKey) ([]byte, error) {
	der, err := crypto.MarshalPublicKey(key)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.Grow(len(der)*5 + 3)
	b.WriteByte('[')
	for i, v := range der {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(int(int8(v))))
	}
	b.WriteString("]\n")
	return []byte(b.String()), nil
}

// ParseKeyBytes parses the signed byte list of a key line
func ParseKeyBytes(line string) ([]byte, error) {
	s := strings.TrimRight(line, "\r\n")
	s = strings.Replace(s, "[", "", 1)
	s = strings.Replace(s, "]", "", 1)
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: no key bytes", ErrMalformedKey)
	}

	parts := strings.Split(s, ", ")
	out := make([]byte, len(parts))
	for i, p := range parts {
		// Only a minus sign is allowed
		if strings.HasPrefix(p, "+") {
			return nil, fmt.Errorf("%w: byte %d: unexpected sign in %q", ErrMalformedKey, i, p)
		}
		v, err := strconv.ParseInt(p, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: byte %d: %v", ErrMalformedKey, i, err)
		}
		out[i] = byte(int8(v))
	}
	return out, nil
}

// ParseKeyLine reconstructs a peer public key from a key line
func ParseKeyLine(line string) (*rsa.PublicKey, error) {
	der, err := ParseKeyBytes(line)
	if err != nil {
		return nil, err
	}

	key, err := crypto.ParsePublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return key, nil
}
