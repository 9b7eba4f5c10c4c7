package credentials

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpvault-go/internal/config"
	"kpvault-go/internal/encryption"
	"kpvault-go/internal/testutil"
	"kpvault-go/internal/vfs"
)

var nas = vfs.Authority{Kind: vfs.WebDAV, Browsable: true, Instance: "nas"}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testutil.NewMemoryLedger(nil), encryption.NewTestEncryptor())
	require.NoError(t, store.Unlock(""))

	tests := []struct {
		name  string
		creds vfs.Credentials
	}{
		{"basic", vfs.BasicCredentials{URL: "https://dav.example.com/", Username: "alice", Password: "p\"w=1"}},
		{"git", vfs.GitCredentials{URL: "https://tok@git.example.com/v.git", IsSecretURL: true, Salt: "s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.SetCredentials(ctx, nas, "webdav", tt.creds))
			got, err := store.GetCredentials(ctx, nas, "webdav")
			require.NoError(t, err)
			assert.Equal(t, tt.creds, got)
		})
	}

	got, err := store.GetCredentials(ctx, nas, "git")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.ClearCredentials(ctx, nas, "webdav"))
	got, err = store.GetCredentials(ctx, nas, "webdav")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Locked(t *testing.T) {
	ctx := context.Background()
	enc := encryption.NewTestEncryptor()
	require.NoError(t, enc.Setup("correct horse"))
	store := NewStore(testutil.NewMemoryLedger(nil), enc)

	// Writing works without the passphrase.
	require.NoError(t, store.SetCredentials(ctx, nas, "webdav", vfs.BasicCredentials{URL: "https://dav.example.com"}))
	_, err := store.GetCredentials(ctx, nas, "webdav")
	assert.ErrorIs(t, err, ErrLocked)

	assert.Error(t, store.Unlock("wrong"))
	assert.False(t, store.IsUnlocked())
	require.NoError(t, store.Unlock("correct horse"))
	assert.True(t, store.IsUnlocked())

	got, err := store.Load(ctx, nas, "webdav")
	require.NoError(t, err)
	assert.Equal(t, vfs.BasicCredentials{URL: "https://dav.example.com"}, got.Credentials)
	assert.Equal(t, nas.Key(), got.Key())
}

func TestStore_SecretsAreEncrypted(t *testing.T) {
	ctx := context.Background()
	enc := encryption.NewAgeEncryptor(afero.NewMemMapFs(), config.EncryptionConfig{
		PublicKeyPath:  "/keys/kpvault.pub",
		PrivateKeyPath: "/keys/kpvault.key",
	})
	require.NoError(t, enc.Setup("passphrase"))
	ledger := testutil.NewMemoryLedger(nil)
	store := NewStore(ledger, enc)

	creds := vfs.BasicCredentials{URL: "https://dav.example.com", Username: "alice", Password: "hunter2"}
	require.NoError(t, store.SetCredentials(ctx, nas, "webdav", creds))

	blob, err := ledger.GetSecret(ctx, nas.Key(), "webdav")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(blob, []byte("hunter2")))

	require.NoError(t, store.Unlock("passphrase"))
	got, err := store.GetCredentials(ctx, nas, "webdav")
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestStore_Errors(t *testing.T) {
	ctx := context.Background()
	ledger := testutil.NewMemoryLedger(nil)
	store := NewStore(ledger, encryption.NewTestEncryptor())

	assert.Error(t, store.SetCredentials(ctx, nas, "webdav", nil))

	ledger.FailWith = errors.New("disk I/O error")
	assert.Error(t, store.SetCredentials(ctx, nas, "webdav", vfs.BasicCredentials{}))
	_, err := store.GetCredentials(ctx, nas, "webdav")
	assert.Error(t, err)

	// Authorities without credentials never touch the store.
	a, err := store.Load(ctx, vfs.InternalStorageAuthority, "webdav")
	require.NoError(t, err)
	assert.Equal(t, vfs.InternalStorageAuthority, a)
}
