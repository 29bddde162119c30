package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

// DefaultKeyBits is the modulus size used for session keypairs.
const DefaultKeyBits = 4096

// MinKeyBits is the smallest modulus accepted from a peer.
const MinKeyBits = 2048

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrKeyGen           = errors.New("key generation failed")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Keypair is a process-lifetime RSA keypair
type Keypair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateRSAKeyPairSize generates a new RSA key pair with the given modulus size
func GenerateRSAKeyPairSize(bits int) (*rsa.PrivateKey, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: %d bit modulus is below %d", ErrKeyGen, bits, MinKeyBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGen, err)
	}
	return key, nil
}

// MarshalPublicKey returns the standard (PKIX, DER) encoding of a public key
func MarshalPublicKey(key *rsa.PublicKey) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}
	return x509.MarshalPKIXPublicKey(key)
}

// ParsePublicKey reconstructs an RSA public key from its PKIX DER encoding
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if len(der) == 0 {
		return nil, ErrInvalidKey
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, pub)
	}
	if rsaPub.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("%w: %d bit modulus is too small", ErrInvalidKey, rsaPub.N.BitLen())
	}

	return rsaPub, nil
}

// RSAEncrypt encrypts data with RSA public key using OAEP
func RSAEncrypt(data []byte, publicKey *rsa.PublicKey) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, data, nil)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	return ciphertext, nil
}

// RSADecrypt decrypts data with RSA private key using OAEP
func RSADecrypt(ciphertext []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SignData signs data with RSA private key
func SignData(data []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	hashed := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, hashed[:])
}

// VerifySignature verifies signature with RSA public key
func VerifySignature(data []byte, signature []byte, publicKey *rsa.PublicKey) error {
	hashed := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, hashed[:], signature)
}
