package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpvault-go/internal/fake"
	"kpvault-go/internal/local"
	"kpvault-go/internal/registry"
	"kpvault-go/internal/remote"
	"kpvault-go/internal/testutil"
	"kpvault-go/internal/vfs"
)

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
	assert.Equal(t, 0.0, clampJitterRatio(-1))
	assert.Equal(t, 1.0, clampJitterRatio(3))
}

type syncEnv struct {
	fs       afero.Fs
	ledger   *testutil.MemoryLedger
	store    *fake.Store
	provider *remote.Provider
	resolver *registry.Resolver
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	fsys := testutil.NewMemFs()
	ledger := testutil.NewMemoryLedger(nil)
	authority := fake.Authority("cloud")
	store := fake.NewStore(nil)
	cache := remote.NewFileCache(fsys, "/cache", authority.Key(), ledger, nil)
	provider, sp := fake.NewBackend(authority, store, cache, nil)
	internal := local.NewInternalProvider(fsys, "/data/app", nil)

	resolver := registry.NewBuilder().
		Add(authority, provider, sp).
		Add(vfs.InternalStorageAuthority, internal, local.NewSyncProcessor(internal)).
		Build()
	return &syncEnv{fs: fsys, ledger: ledger, store: store, provider: provider, resolver: resolver}
}

func (e *syncEnv) use(t *testing.T, authority vfs.Authority, path string) {
	t.Helper()
	_, err := e.ledger.RecordOpen(context.Background(), vfs.UsedFileEntry{
		Authority: authority.Ref(),
		FilePath:  path,
		FileUID:   path,
		FileName:  vfs.BaseName(path),
	})
	require.NoError(t, err)
}

func (e *syncEnv) file(path string) vfs.FileDescriptor {
	return vfs.FileDescriptor{Authority: e.provider.Authority(), Path: path, UID: path, Name: vfs.BaseName(path)}
}

func byUID(outcomes []Outcome) map[string]Outcome {
	m := map[string]Outcome{}
	for _, o := range outcomes {
		m[o.Entry.FileUID] = o
	}
	return m
}

func TestSyncOnce(t *testing.T) {
	ctx := context.Background()
	e := newSyncEnv(t)
	cloud := fake.Authority("cloud")

	e.store.Put("/fresh.kdbx", []byte("remote"))
	e.use(t, cloud, "/fresh.kdbx")

	e.store.Put("/both.kdbx", []byte("v1"))
	r := e.provider.OpenForRead(ctx, e.file("/both.kdbx"), vfs.ReadOptions())
	require.True(t, r.IsSuccess())
	r.Value().Close()
	opts := vfs.WriteOptions()
	opts.PostponedSyncEnabled = true
	w := e.provider.OpenForWrite(ctx, e.file("/both.kdbx"), opts)
	require.True(t, w.IsSuccess())
	w.Value().Write([]byte("local edit"))
	require.NoError(t, w.Value().Close())
	future := time.Now().Add(time.Hour)
	require.NoError(t, e.fs.Chtimes(e.provider.Cache().PathFor("/both.kdbx"), future, future))
	e.store.Put("/both.kdbx", []byte("remote edit"))
	e.use(t, cloud, "/both.kdbx")

	e.use(t, vfs.InternalStorageAuthority, "/data/app/local.kdbx")

	s := NewScheduler(Options{Ledger: e.ledger, Backends: e.resolver})
	outcomes, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	got := byUID(outcomes)
	assert.Equal(t, vfs.SyncRemoteChanges, got["/fresh.kdbx"].Status)
	assert.True(t, got["/fresh.kdbx"].Resolved)
	assert.Equal(t, vfs.SyncConflict, got["/both.kdbx"].Status)
	assert.False(t, got["/both.kdbx"].Resolved)

	_, cached, err := e.provider.Cache().Stat("/fresh.kdbx")
	require.NoError(t, err)
	assert.True(t, cached)

	// The newer local copy wins once the strategy allows it.
	s = NewScheduler(Options{Ledger: e.ledger, Backends: e.resolver, Strategy: vfs.LastModificationWins})
	outcomes, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	got = byUID(outcomes)
	assert.Equal(t, vfs.SyncNoChanges, got["/fresh.kdbx"].Status)
	assert.True(t, got["/both.kdbx"].Resolved)
	data, _ := e.store.Get("/both.kdbx")
	assert.Equal(t, "local edit", string(data))
}

func TestSyncOnce_Offline(t *testing.T) {
	ctx := context.Background()
	e := newSyncEnv(t)
	e.store.Put("/db.kdbx", []byte("v1"))
	e.use(t, fake.Authority("cloud"), "/db.kdbx")
	e.store.SetOffline(true)

	outcomes, err := NewScheduler(Options{Ledger: e.ledger, Backends: e.resolver}).SyncOnce(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, vfs.SyncNoNetwork, outcomes[0].Status)
	assert.False(t, outcomes[0].Resolved)
}

func TestRun_PassesOnChange(t *testing.T) {
	dir := t.TempDir()
	e := newSyncEnv(t)
	passes := make(chan []Outcome, 8)
	s := NewScheduler(Options{
		Ledger:   e.ledger,
		Backends: e.resolver,
		Dirs:     []string{dir},
		Interval: time.Hour,
		Debounce: 20 * time.Millisecond,
		OnPass:   func(o []Outcome) { passes <- o },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-passes:
	case <-time.After(5 * time.Second):
		t.Fatal("no initial pass")
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "db.kdbx"), []byte("x"), 0644))
	select {
	case <-passes:
	case <-time.After(5 * time.Second):
		t.Fatal("no pass after a file change")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestIgnored(t *testing.T) {
	s := NewScheduler(Options{Dirs: []string{"/cache"}})
	assert.True(t, s.ignored("/cache/.kpvault-tmp-123"))
	assert.True(t, s.ignored("/cache/sub/db.kdbx.swp"))
	assert.False(t, s.ignored("/cache/abc123"))
}
