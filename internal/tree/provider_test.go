package tree

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpvault-go/internal/testutil"
	"kpvault-go/internal/vfs"
)

var modTime = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

func newTestProvider(t *testing.T) (*Provider, *testutil.MemoryLedger, *testutil.RecordingAuthHook) {
	t.Helper()
	fsys := testutil.NewMemFs()
	testutil.AddFile(t, fsys, "/sdcard/Documents/vaults/db.kdbx", []byte("vault"), modTime)
	testutil.AddFile(t, fsys, "/sdcard/Documents/vaults/keys/db.key", []byte("key"), modTime)
	testutil.AddFile(t, fsys, "/sdcard/Download/other.kdbx", []byte("other"), modTime)
	ledger := testutil.NewMemoryLedger(nil)
	hook := testutil.NewRecordingAuthHook()
	return NewProvider(fsys, ledger, hook, nil), ledger, hook
}

func TestProvider_RequiresGrant(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProvider(t)

	assert.True(t, p.Authenticator().IsAuthenticationRequired())
	assert.Equal(t, vfs.AuthExternalInteractive, p.Authenticator().AuthType())

	root := p.GetRootFile(ctx)
	assert.Equal(t, vfs.KindPermission, vfs.KindOf(root.Err()))

	file := p.GetFile(ctx, "/sdcard/Documents/vaults/db.kdbx", vfs.ReadOptions())
	assert.Equal(t, vfs.KindPermission, vfs.KindOf(file.Err()))
}

func TestProvider_InteractiveGrant(t *testing.T) {
	ctx := context.Background()
	p, _, hook := newTestProvider(t)
	hook.OnStart = func(ctx context.Context, authority vfs.Authority) {
		assert.Equal(t, vfs.StorageAccessFramework, authority.Kind)
		p.Grant(ctx, "/sdcard/Documents/vaults", "Vaults")
	}

	require.NoError(t, p.Authenticator().StartInteractiveAuth(ctx))
	hook.Wait()
	assert.False(t, p.Authenticator().IsAuthenticationRequired())

	root := p.GetRootFile(ctx)
	require.True(t, root.IsSuccess(), "GetRootFile: %v", root.Err())
	assert.Equal(t, "/sdcard/Documents/vaults", root.Value().Path)
	assert.Equal(t, "Vaults", root.Value().Name)
	assert.True(t, root.Value().IsRoot)
	assert.Equal(t, "id-1:", root.Value().UID)

	assert.Equal(t, vfs.KindIncorrectUse, vfs.KindOf(p.Authenticator().SetCredentials(vfs.BasicCredentials{})))
}

func TestProvider_BrowseWithinGrant(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProvider(t)
	root := p.Grant(ctx, "/sdcard/Documents/vaults", "")
	require.True(t, root.IsSuccess())
	assert.Equal(t, "vaults", root.Value().Name)

	list := p.ListFiles(ctx, root.Value())
	require.True(t, list.IsSuccess(), "ListFiles: %v", list.Err())
	uids := map[string]string{}
	for _, f := range list.Value() {
		uids[f.Name] = f.UID
	}
	assert.Equal(t, map[string]string{"db.kdbx": "id-1:db.kdbx", "keys": "id-1:keys"}, uids)

	key := p.GetFile(ctx, "/sdcard/Documents/vaults/keys/db.key", vfs.ReadOptions())
	require.True(t, key.IsSuccess())
	assert.Equal(t, "id-1:keys/db.key", key.Value().UID)

	parent := p.GetParent(ctx, key.Value())
	require.True(t, parent.IsSuccess())
	assert.Equal(t, "/sdcard/Documents/vaults/keys", parent.Value().Path)

	top := p.GetParent(ctx, root.Value())
	assert.Equal(t, vfs.KindFileNotFound, vfs.KindOf(top.Err()))

	outside := p.GetFile(ctx, "/sdcard/Download/other.kdbx", vfs.ReadOptions())
	assert.Equal(t, vfs.KindPermission, vfs.KindOf(outside.Err()))

	path, verr := p.PathOf(ctx, "id-1:keys/db.key")
	require.Nil(t, verr)
	assert.Equal(t, "/sdcard/Documents/vaults/keys/db.key", path)
}

func TestProvider_GetParentOfNestedGrantRoot(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProvider(t)
	outer := p.Grant(ctx, "/sdcard/Documents", "Documents")
	require.True(t, outer.IsSuccess())
	inner := p.Grant(ctx, "/sdcard/Documents/vaults", "Vaults")
	require.True(t, inner.IsSuccess())
	assert.Equal(t, "id-2:", inner.Value().UID)

	parent := p.GetParent(ctx, inner.Value())
	require.True(t, parent.IsSuccess(), "GetParent: %v", parent.Err())
	assert.Equal(t, "/sdcard/Documents", parent.Value().Path)
	assert.Equal(t, "id-1:", parent.Value().UID)
	assert.True(t, parent.Value().IsRoot)
	assert.Equal(t, "Documents", parent.Value().Name)

	top := p.GetParent(ctx, parent.Value())
	assert.Equal(t, vfs.KindFileNotFound, vfs.KindOf(top.Err()))

	require.NoError(t, p.Revoke(ctx, "id-1"))
	alone := p.GetParent(ctx, inner.Value())
	assert.Equal(t, vfs.KindFileNotFound, vfs.KindOf(alone.Err()))
}

func TestProvider_ReadWrite(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProvider(t)
	require.True(t, p.Grant(ctx, "/sdcard/Documents/vaults", "Vaults").IsSuccess())
	file := p.GetFile(ctx, "/sdcard/Documents/vaults/db.kdbx", vfs.ReadOptions()).Value()

	denied := p.OpenForWrite(ctx, file, vfs.ReadOptions())
	assert.Equal(t, vfs.KindWriteNotSupported, vfs.KindOf(denied.Err()))

	w := p.OpenForWrite(ctx, file, vfs.WriteOptions())
	require.True(t, w.IsSuccess())
	_, err := w.Value().Write([]byte("updated"))
	require.NoError(t, err)
	require.NoError(t, w.Value().Close())

	r := p.OpenForRead(ctx, file, vfs.ReadOptions())
	require.True(t, r.IsSuccess())
	defer r.Value().Close()
	data, err := io.ReadAll(r.Value())
	require.NoError(t, err)
	assert.Equal(t, "updated", string(data))
}

func TestProvider_RevokedGrant(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProvider(t)
	root := p.Grant(ctx, "/sdcard/Documents/vaults", "Vaults").Value()
	sp := NewSyncProcessor(p)

	status := sp.SyncStatus(ctx, "id-1:db.kdbx")
	require.True(t, status.IsSuccess())
	assert.Equal(t, vfs.SyncNoChanges, status.Value())
	assert.Equal(t, vfs.KindFileNotFound, vfs.KindOf(sp.SyncStatus(ctx, "id-1:gone.kdbx").Err()))

	require.NoError(t, p.Revoke(ctx, "id-1"))
	assert.True(t, p.Authenticator().IsAuthenticationRequired())
	assert.Equal(t, vfs.KindPermission, vfs.KindOf(p.ListFiles(ctx, root).Err()))
	assert.Equal(t, vfs.KindPermission, vfs.KindOf(sp.SyncStatus(ctx, "id-1:db.kdbx").Err()))
	assert.Equal(t, vfs.KindIncorrectUse, vfs.KindOf(sp.ConflictInfo(ctx, "id-1:db.kdbx").Err()))
}

func TestProvider_GrantErrors(t *testing.T) {
	ctx := context.Background()
	p, ledger, _ := newTestProvider(t)

	assert.Equal(t, vfs.KindFileNotFound, vfs.KindOf(p.Grant(ctx, "/sdcard/missing", "").Err()))
	assert.Equal(t, vfs.KindNotADirectory, vfs.KindOf(p.Grant(ctx, "/sdcard/Download/other.kdbx", "").Err()))

	ledger.FailWith = errors.New("database is locked")
	assert.Equal(t, vfs.KindGenericIO, vfs.KindOf(p.GetRootFile(ctx).Err()))
	assert.True(t, p.Authenticator().IsAuthenticationRequired())
}
