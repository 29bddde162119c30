package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// FingerprintSize is the number of hash bytes shown in a key fingerprint
const FingerprintSize = 8

// GenerateNonce returns size bytes from the system CSPRNG. Used for GCM IVs
// and per-message AES keys.
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Fingerprint returns a short hex identifier for a public key, derived from
// the BLAKE2b-256 hash of its DER encoding. Returns "" for keys that cannot be encoded.
func Fingerprint(key *rsa.PublicKey) string {
	der, err := MarshalPublicKey(key)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(der)
	return hex.EncodeToString(sum[:FingerprintSize])
}
