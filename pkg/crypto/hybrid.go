package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// NonceSize is the GCM IV length in bytes
	NonceSize = 12

	// TagBits is the GCM authentication tag length in bits
	TagBits = 128

	// AESKeySize is the size of the one-time symmetric key (AES-256)
	AESKeySize = 32
)

var ErrInvalidNonce = errors.New("invalid nonce parameters")

// NonceSpec carries the per-message GCM parameters
type NonceSpec struct {
	IV      []byte
	TagBits int
}

// Validate checks the IV length and tag length
func (n NonceSpec) Validate() error {
	if len(n.IV) != NonceSize {
		return fmt.Errorf("%w: iv is %d bytes, want %d", ErrInvalidNonce, len(n.IV), NonceSize)
	}
	switch n.TagBits {
	case 96, 104, 112, 120, 128:
		return nil
	default:
		return fmt.Errorf("%w: tag length %d", ErrInvalidNonce, n.TagBits)
	}
}

// Sealed is the output of a hybrid encryption.
// WrappedKey holds the OAEP-wrapped AES key followed by the sender's signature.
type Sealed struct {
	WrappedKey []byte
	Ciphertext []byte
	Nonce      NonceSpec
}

// Provider is the cryptographic surface consumed by the session engine
type Provider interface {
	GenerateKeypair() (*Keypair, error)
	NewNonce() (NonceSpec, error)
	Encrypt(payload []byte, recipient *rsa.PublicKey, local *rsa.PrivateKey, nonce NonceSpec, aad []byte) (*Sealed, error)
	Decrypt(sealed *Sealed, peer *rsa.PublicKey, local *rsa.PrivateKey, aad []byte) ([]byte, error)
}

// HybridProvider wraps a fresh AES-256-GCM key per message with RSA-OAEP for
// the recipient and signs the wrapped key, IV, ciphertext and AAD with the
// sender's key.
type HybridProvider struct {
	KeyBits int
}

// NewHybridProvider creates a provider generating keys of the given size (0 = DefaultKeyBits)
func NewHybridProvider(keyBits int) *HybridProvider {
	if keyBits == 0 {
		keyBits = DefaultKeyBits
	}
	return &HybridProvider{KeyBits: keyBits}
}

// GenerateKeypair generates a new RSA keypair
func (p *HybridProvider) GenerateKeypair() (*Keypair, error) {
	bits := p.KeyBits
	if bits == 0 {
		bits = DefaultKeyBits
	}
	key, err := GenerateRSAKeyPairSize(bits)
	if err != nil {
		return nil, err
	}
	return &Keypair{Private: key, Public: &key.PublicKey}, nil
}

// NewNonce returns fresh GCM parameters
func (p *HybridProvider) NewNonce() (NonceSpec, error) {
	iv, err := GenerateNonce(NonceSize)
	if err != nil {
		return NonceSpec{}, err
	}
	return NonceSpec{IV: iv, TagBits: TagBits}, nil
}

// Encrypt seals payload for recipient
func (p *HybridProvider) Encrypt(payload []byte, recipient *rsa.PublicKey, local *rsa.PrivateKey, nonce NonceSpec, aad []byte) (*Sealed, error) {
	if recipient == nil || local == nil {
		return nil, ErrInvalidKey
	}
	if err := nonce.Validate(); err != nil {
		return nil, err
	}

	aesKey, err := GenerateAESKey()
	if err != nil {
		return nil, err
	}
	defer clear(aesKey)

	ciphertext, err := sealGCM(payload, aesKey, nonce, aad)
	if err != nil {
		return nil, err
	}

	wrapped, err := RSAEncrypt(aesKey, recipient)
	if err != nil {
		return nil, err
	}

	signature, err := SignData(signedData(wrapped, nonce.IV, ciphertext, aad), local)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return &Sealed{
		WrappedKey: append(wrapped, signature...),
		Ciphertext: ciphertext,
		Nonce:      nonce,
	}, nil
}

// Decrypt verifies the sender signature and opens the payload
func (p *HybridProvider) Decrypt(sealed *Sealed, peer *rsa.PublicKey, local *rsa.PrivateKey, aad []byte) ([]byte, error) {
	if sealed == nil {
		return nil, ErrDecryptionFailed
	}
	if peer == nil || local == nil {
		return nil, ErrInvalidKey
	}
	if err := sealed.Nonce.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	wrappedLen := local.Size()
	if len(sealed.WrappedKey) != wrappedLen+peer.Size() {
		return nil, fmt.Errorf("%w: wrapped key is %d bytes", ErrDecryptionFailed, len(sealed.WrappedKey))
	}
	wrapped, signature := sealed.WrappedKey[:wrappedLen], sealed.WrappedKey[wrappedLen:]

	if err := VerifySignature(signedData(wrapped, sealed.Nonce.IV, sealed.Ciphertext, aad), signature, peer); err != nil {
		return nil, fmt.Errorf("%w: sender signature mismatch", ErrDecryptionFailed)
	}

	aesKey, err := RSADecrypt(wrapped, local)
	if err != nil {
		return nil, err
	}
	defer clear(aesKey)

	plaintext, err := openGCM(sealed.Ciphertext, aesKey, sealed.Nonce, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// GenerateAESKey generates a random AES-256 key
func GenerateAESKey() ([]byte, error) {
	return GenerateNonce(AESKeySize)
}

func newGCM(key []byte, tagBits int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithTagSize(block, tagBits/8)
}

func sealGCM(plaintext, key []byte, nonce NonceSpec, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key, nonce.TagBits)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce.IV, plaintext, aad), nil
}

func openGCM(ciphertext, key []byte, nonce NonceSpec, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key, nonce.TagBits)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce.IV, ciphertext, aad)
}

// signedData length-prefixes each part so field boundaries cannot shift
func signedData(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += 4 + len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(p)))
		buf = append(buf, p...)
	}
	return buf
}
