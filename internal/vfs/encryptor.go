package vfs

import "io"

// Encryptor protects persisted secrets. Encryption uses the public key only;
// decryption requires a passphrase to unlock the private key, producing a
// DecryptionContext for the session.
type Encryptor interface {
	// Setup performs one-time key generation during `kpvault config init`.
	Setup(passphrase string) error

	Encrypt(r io.Reader, w io.Writer) error

	// Unlock returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for the session.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
