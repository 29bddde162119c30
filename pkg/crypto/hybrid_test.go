package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAAD = []byte("test.aad.v1")

type hybridPeers struct {
	provider *HybridProvider
	alice    *Keypair
	bob      *Keypair
}

func newHybridPeers(t *testing.T) *hybridPeers {
	t.Helper()
	p := NewHybridProvider(testKeyBits)

	alice, err := p.GenerateKeypair()
	require.NoError(t, err)
	bob, err := p.GenerateKeypair()
	require.NoError(t, err)

	return &hybridPeers{provider: p, alice: alice, bob: bob}
}

func (h *hybridPeers) seal(t *testing.T, payload []byte) *Sealed {
	t.Helper()
	nonce, err := h.provider.NewNonce()
	require.NoError(t, err)

	sealed, err := h.provider.Encrypt(payload, h.bob.Public, h.alice.Private, nonce, testAAD)
	require.NoError(t, err)
	return sealed
}

func TestHybridRoundTrip(t *testing.T) {
	h := newHybridPeers(t)

	payloads := map[string][]byte{
		"text":    []byte(`{"text":"hello"}`),
		"command": []byte(`{"command":"join","arguments":"#general"}`),
		"json":    []byte(`{"nested":{"list":[1,2,3]},"ok":true}`),
		"empty":   {},
		"large":   make([]byte, 64*1024),
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			sealed := h.seal(t, payload)
			assert.Len(t, sealed.WrappedKey, h.bob.Public.Size()+h.alice.Public.Size())

			plaintext, err := h.provider.Decrypt(sealed, h.alice.Public, h.bob.Private, testAAD)
			require.NoError(t, err)
			assert.Equal(t, len(payload), len(plaintext))
			assert.Equal(t, string(payload), string(plaintext))
		})
	}
}

func TestHybridNewNonce(t *testing.T) {
	p := NewHybridProvider(testKeyBits)

	n1, err := p.NewNonce()
	require.NoError(t, err)
	n2, err := p.NewNonce()
	require.NoError(t, err)

	assert.NoError(t, n1.Validate())
	assert.Len(t, n1.IV, NonceSize)
	assert.Equal(t, TagBits, n1.TagBits)
	assert.NotEqual(t, n1.IV, n2.IV)
}

func TestNonceSpecValidate(t *testing.T) {
	tests := []struct {
		name  string
		nonce NonceSpec
		ok    bool
	}{
		{"standard", NonceSpec{IV: make([]byte, NonceSize), TagBits: 128}, true},
		{"short tag", NonceSpec{IV: make([]byte, NonceSize), TagBits: 96}, true},
		{"short iv", NonceSpec{IV: make([]byte, 8), TagBits: 128}, false},
		{"odd tag", NonceSpec{IV: make([]byte, NonceSize), TagBits: 100}, false},
		{"zero tag", NonceSpec{IV: make([]byte, NonceSize)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.nonce.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidNonce)
			}
		})
	}
}

func TestHybridDecryptFailures(t *testing.T) {
	h := newHybridPeers(t)
	mallory, err := h.provider.GenerateKeypair()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(s *Sealed) (*Sealed, []byte)
		peer   func() *Keypair
	}{
		{
			name:   "wrong aad",
			mutate: func(s *Sealed) (*Sealed, []byte) { return s, []byte("other.aad") },
		},
		{
			name: "flipped ciphertext",
			mutate: func(s *Sealed) (*Sealed, []byte) {
				s.Ciphertext[0] ^= 0x01
				return s, testAAD
			},
		},
		{
			name: "flipped iv",
			mutate: func(s *Sealed) (*Sealed, []byte) {
				s.Nonce.IV[0] ^= 0x01
				return s, testAAD
			},
		},
		{
			name: "truncated key",
			mutate: func(s *Sealed) (*Sealed, []byte) {
				s.WrappedKey = s.WrappedKey[:len(s.WrappedKey)-1]
				return s, testAAD
			},
		},
		{
			name:   "impersonated sender",
			mutate: func(s *Sealed) (*Sealed, []byte) { return s, testAAD },
			peer:   func() *Keypair { return mallory },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, aad := tt.mutate(h.seal(t, []byte("payload")))
			sender := h.alice
			if tt.peer != nil {
				sender = tt.peer()
			}

			_, err := h.provider.Decrypt(sealed, sender.Public, h.bob.Private, aad)
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}
}

func TestHybridEncryptInvalidInput(t *testing.T) {
	h := newHybridPeers(t)
	nonce, err := h.provider.NewNonce()
	require.NoError(t, err)

	_, err = h.provider.Encrypt([]byte("x"), nil, h.alice.Private, nonce, testAAD)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = h.provider.Encrypt([]byte("x"), h.bob.Public, h.alice.Private, NonceSpec{}, testAAD)
	assert.ErrorIs(t, err, ErrInvalidNonce)

	_, err = h.provider.Decrypt(nil, h.alice.Public, h.bob.Private, testAAD)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
