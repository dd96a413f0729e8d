package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/tidemark/ledger/internal/errors"
)

// KeySize is the required key length in bytes (AES-256).
const KeySize = 32

// AESGCM is a Service encrypting commit bytes with AES-256-GCM under a
// single page key. The nonce is prepended to the ciphertext.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates an AESGCM service from a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != KeySize {
		return nil, errors.InvalidArgument("encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.EncryptionFailed(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.EncryptionFailed(err)
	}
	return &AESGCM{aead: aead}, nil
}

// EncryptCommit implements Service.
func (s *AESGCM) EncryptCommit(_ context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.EncryptionFailed(err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptCommit implements Service.
func (s *AESGCM) DecryptCommit(_ context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < s.aead.NonceSize() {
		return nil, errors.DecryptionFailed(nil)
	}
	nonce := ciphertext[:s.aead.NonceSize()]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext[s.aead.NonceSize():], nil)
	if err != nil {
		return nil, errors.DecryptionFailed(err)
	}
	return plaintext, nil
}
