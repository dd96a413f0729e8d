// Package encryption defines the commit encryption boundary of the sync
// engine and ships an AES-GCM implementation.
package encryption

import "context"

// Service encrypts commits before upload and decrypts them after download.
// Both calls may suspend on I/O in remote-keyed implementations; the sync
// engine treats them as asynchronous boundaries.
type Service interface {
	EncryptCommit(ctx context.Context, plaintext []byte) ([]byte, error)
	DecryptCommit(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Passthrough is a no-op Service for tests and plaintext deployments.
type Passthrough struct{}

// EncryptCommit implements Service.
func (Passthrough) EncryptCommit(_ context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

// DecryptCommit implements Service.
func (Passthrough) DecryptCommit(_ context.Context, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}
