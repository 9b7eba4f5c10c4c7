package testutil

import (
	"kpvault-go/internal/encryption"
	"kpvault-go/internal/vfs"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() vfs.Encryptor {
	return encryption.NewTestEncryptor()
}
