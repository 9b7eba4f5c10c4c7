package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"kpvault-go/internal/config"
	"kpvault-go/internal/testutil"
	"kpvault-go/internal/vfs"
)

// newTestConfig returns a config rooted at /base on an in-memory filesystem,
// with an in-memory ledger and the test encryptor.
func newTestConfig(backends ...config.BackendConfig) *config.Config {
	cfg := config.NewConfig("/base")
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	cfg.Storage.ExternalRoots = []string{"/media/card"}
	cfg.Backends = backends
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts Options) (*App, afero.Fs) {
	t.Helper()

	if opts.Fs == nil {
		opts.Fs = testutil.NewMemFs()
	}
	if opts.Clock == nil {
		opts.Clock = testutil.FixedClock()
	}
	opts.Logger = vfs.NewNopLogger()
	testutil.AddDirectory(t, opts.Fs, cfg.Storage.AppDir)
	testutil.AddDirectory(t, opts.Fs, cfg.CacheDir)

	a, err := NewApp(cfg, opts)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, opts.Fs
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		location string
		wantName string
		wantPath string
	}{
		{"dav:/vaults/main.kdbx", "dav", "/vaults/main.kdbx"},
		{"internal:/base/files/a.kdbx", "internal", "/base/files/a.kdbx"},
		{"tree:", "tree", ""},
		{"/media/card/a.kdbx", "external", "/media/card/a.kdbx"},
		{"./notes:old.kdbx", "external", "./notes:old.kdbx"},
		{":/x", "external", ":/x"},
	}

	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			name, path := ParseLocation(tt.location)
			if name != tt.wantName || path != tt.wantPath {
				t.Errorf("ParseLocation(%q) = (%q, %q), want (%q, %q)",
					tt.location, name, path, tt.wantName, tt.wantPath)
			}
		})
	}
}

func TestNewApp_InvalidConfig(t *testing.T) {
	cfg := newTestConfig(config.BackendConfig{Type: "ftp", Name: "x"})

	if _, err := NewApp(cfg, Options{Logger: vfs.NewNopLogger()}); err == nil {
		t.Fatal("NewApp() succeeded with an unknown backend type")
	}
}

func TestApp_Backends(t *testing.T) {
	cfg := newTestConfig(
		config.BackendConfig{Type: "webdav", Name: "dav", URL: "https://dav.example.com/", Username: "alice"},
		config.BackendConfig{Type: "fake", Name: "demo"},
	)
	a, _ := newTestApp(t, cfg, Options{})

	infos := a.Backends()
	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	if got := strings.Join(names, ","); got != "internal,external,tree,dav,demo" {
		t.Fatalf("Backends() names = %s", got)
	}

	dav := infos[3]
	if dav.Authority.Kind != vfs.WebDAV || dav.AuthType != vfs.AuthCredentials || !dav.AuthRequired {
		t.Errorf("dav = %+v, want WebDAV credentials backend without credentials", dav)
	}
	if infos[0].AuthRequired {
		t.Error("internal storage requires authentication")
	}
	if !infos[1].AuthRequired {
		t.Error("external storage does not require the ungranted permission")
	}
}

func TestApp_InternalWriteThenRead(t *testing.T) {
	ctx := context.Background()
	a, fsys := newTestApp(t, newTestConfig(), Options{Operation: "Write"})

	written := a.Write(ctx, "internal:/base/files/main.kdbx", strings.NewReader("vault-bytes"), false)
	if !written.IsSuccess() {
		t.Fatalf("Write() = %v, %v", written.Kind(), written.Err())
	}
	if got := string(testutil.ReadFile(t, fsys, "/base/files/main.kdbx")); got != "vault-bytes" {
		t.Errorf("stored content = %q", got)
	}

	var buf bytes.Buffer
	read := a.Read(ctx, "internal:/base/files/main.kdbx", &buf, "")
	if !read.IsSuccess() {
		t.Fatalf("Read() = %v, %v", read.Kind(), read.Err())
	}
	if buf.String() != "vault-bytes" {
		t.Errorf("Read() content = %q", buf.String())
	}

	recent, err := a.Recent(ctx)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("Recent() = %d entries, want 1", len(recent))
	}
	if recent[0].Authority.Kind != vfs.InternalStorage || recent[0].FileName != "main.kdbx" {
		t.Errorf("recent entry = %+v", recent[0])
	}
	if recent[0].KeyType != vfs.KeyTypePassword {
		t.Errorf("KeyType = %s, want %s", recent[0].KeyType, vfs.KeyTypePassword)
	}
}

func TestApp_ReadRecordsKeyFile(t *testing.T) {
	ctx := context.Background()
	a, fsys := newTestApp(t, newTestConfig(), Options{})
	testutil.AddFile(t, fsys, "/base/files/main.kdbx", []byte("vault"), testutil.FixedClock().Now())
	testutil.AddFile(t, fsys, "/base/files/main.key", []byte("key"), testutil.FixedClock().Now())

	var buf bytes.Buffer
	if res := a.Read(ctx, "internal:/base/files/main.kdbx", &buf, "internal:/base/files/main.key"); res.IsError() {
		t.Fatalf("Read() error = %v", res.Err())
	}

	recent, err := a.Recent(ctx)
	if err != nil || len(recent) != 1 {
		t.Fatalf("Recent() = %v, %v", recent, err)
	}
	entry := recent[0]
	if entry.KeyType != vfs.KeyTypePasswordKeyFile {
		t.Errorf("KeyType = %s, want %s", entry.KeyType, vfs.KeyTypePasswordKeyFile)
	}
	if entry.KeyFile == nil || entry.KeyFile.Path != "/base/files/main.key" {
		t.Errorf("KeyFile = %+v, want /base/files/main.key", entry.KeyFile)
	}
}

func TestApp_ListSortsDirectoriesFirst(t *testing.T) {
	ctx := context.Background()
	a, fsys := newTestApp(t, newTestConfig(), Options{})
	now := testutil.FixedClock().Now()
	testutil.AddFile(t, fsys, "/base/files/b.kdbx", []byte("b"), now)
	testutil.AddFile(t, fsys, "/base/files/a.kdbx", []byte("a"), now)
	testutil.AddDirectory(t, fsys, "/base/files/z-dir")

	res := a.List(ctx, "internal:/base/files")
	if !res.IsSuccess() {
		t.Fatalf("List() = %v, %v", res.Kind(), res.Err())
	}
	var names []string
	for _, f := range res.Value() {
		names = append(names, f.Name)
	}
	if got := strings.Join(names, ","); got != "z-dir,a.kdbx,b.kdbx" {
		t.Errorf("List() names = %s", got)
	}

	single := a.List(ctx, "internal:/base/files/a.kdbx")
	if !single.IsSuccess() || len(single.Value()) != 1 || single.Value()[0].Name != "a.kdbx" {
		t.Errorf("List(file) = %+v, %v", single.Value(), single.Err())
	}

	if res := a.List(ctx, "nowhere:/x"); vfs.KindOf(res.Err()) != vfs.KindIncorrectUse {
		t.Errorf("List(unknown backend) kind = %v, want IncorrectUse", vfs.KindOf(res.Err()))
	}
}

func TestApp_ExternalStorageGrant(t *testing.T) {
	ctx := context.Background()
	configPath := filepath.Join(t.TempDir(), "kpvault.toml")
	cfg := newTestConfig()
	a, fsys := newTestApp(t, cfg, Options{ConfigPath: configPath})
	testutil.AddFile(t, fsys, "/media/card/main.kdbx", []byte("vault"), testutil.FixedClock().Now())

	var buf bytes.Buffer
	res := a.Read(ctx, "/media/card/main.kdbx", &buf, "")
	if vfs.KindOf(res.Err()) != vfs.KindPermission {
		t.Fatalf("Read() before grant kind = %v, want PermissionError", vfs.KindOf(res.Err()))
	}

	if err := a.Authenticate(ctx, ExternalBackend); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	res = a.Read(ctx, "/media/card/main.kdbx", &buf, "")
	if !res.IsSuccess() || buf.String() != "vault" {
		t.Fatalf("Read() after grant = %v, %q, %v", res.Kind(), buf.String(), res.Err())
	}

	saved, err := config.ReadFromFile(configPath)
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	if !saved.Storage.ExternalGranted {
		t.Error("storage grant was not persisted")
	}
}

func TestApp_TreeInteractiveGrant(t *testing.T) {
	ctx := context.Background()
	var a *App
	hook := testutil.NewRecordingAuthHook()
	hook.OnStart = func(ctx context.Context, authority vfs.Authority) {
		if res := a.GrantTree(ctx, "/docs", "Documents"); res.IsError() {
			t.Errorf("GrantTree() error = %v", res.Err())
		}
	}
	cfg := newTestConfig()
	a, fsys := newTestApp(t, cfg, Options{Hook: hook})
	testutil.AddFile(t, fsys, "/docs/main.kdbx", []byte("vault"), testutil.FixedClock().Now())

	if res := a.List(ctx, "tree:"); vfs.KindOf(res.Err()) != vfs.KindPermission {
		t.Fatalf("List(tree) before grant kind = %v, want PermissionError", vfs.KindOf(res.Err()))
	}

	if err := a.Authenticate(ctx, TreeBackend); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if calls := hook.Calls(); len(calls) != 1 || calls[0].Kind != vfs.StorageAccessFramework {
		t.Errorf("hook calls = %+v", calls)
	}

	res := a.List(ctx, "tree:/docs")
	if !res.IsSuccess() || len(res.Value()) != 1 || res.Value()[0].Name != "main.kdbx" {
		t.Fatalf("List(tree:/docs) = %+v, %v", res.Value(), res.Err())
	}

	grants, err := a.TreeGrants(ctx)
	if err != nil || len(grants) != 1 || grants[0].Name != "Documents" {
		t.Fatalf("TreeGrants() = %+v, %v", grants, err)
	}
	if err := a.RevokeTree(ctx, grants[0].ID); err != nil {
		t.Fatalf("RevokeTree() error = %v", err)
	}
	if res := a.List(ctx, "tree:/docs"); vfs.KindOf(res.Err()) != vfs.KindPermission {
		t.Errorf("List(tree:/docs) after revoke kind = %v, want PermissionError", vfs.KindOf(res.Err()))
	}
}

func TestApp_AuthenticateWithoutHook(t *testing.T) {
	a, _ := newTestApp(t, newTestConfig(), Options{})

	if err := a.Authenticate(context.Background(), TreeBackend); err == nil {
		t.Fatal("Authenticate(tree) succeeded without a grant")
	}
	if err := a.Authenticate(context.Background(), InternalBackend); err != nil {
		t.Errorf("Authenticate(internal) error = %v", err)
	}
	if !a.op.Failed() {
		t.Error("operation not marked as failed")
	}
}

func TestApp_FakeBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t, newTestConfig(config.BackendConfig{Type: "fake", Name: "demo"}), Options{})

	if res := a.Write(ctx, "demo:/vaults/main.kdbx", strings.NewReader("remote-vault"), false); res.IsError() {
		t.Fatalf("Write() error = %v", res.Err())
	}

	var buf bytes.Buffer
	read := a.Read(ctx, "demo:/vaults/main.kdbx", &buf, "")
	if !read.IsSuccess() || buf.String() != "remote-vault" {
		t.Fatalf("Read() = %v, %q, %v", read.Kind(), buf.String(), read.Err())
	}

	file, state, err := a.Status(ctx, "demo:/vaults/main.kdbx")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if file.UID != "/vaults/main.kdbx" || state.Status != vfs.SyncNoChanges {
		t.Errorf("Status() = %s, %s", file.UID, state.Status)
	}

	states, err := a.StatusAll(ctx)
	if err != nil || len(states) != 1 {
		t.Fatalf("StatusAll() = %+v, %v", states, err)
	}
	if !states[0].Available || states[0].Entry.Authority.Key != "FAKE|demo" {
		t.Errorf("StatusAll()[0] = %+v", states[0])
	}

	outcomes, err := a.SyncAll(ctx)
	if err != nil || len(outcomes) != 1 || outcomes[0].Status != vfs.SyncNoChanges {
		t.Errorf("SyncAll() = %+v, %v", outcomes, err)
	}

	info, err := a.Conflict(ctx, "demo:/vaults/main.kdbx")
	if err != nil {
		t.Fatalf("Conflict() error = %v", err)
	}
	if info.RemoteRevision == "" || info.LocalRevision != info.RemoteRevision {
		t.Errorf("Conflict() revisions = %q local, %q remote", info.LocalRevision, info.RemoteRevision)
	}

	removed, err := a.Forget(ctx, "demo:/vaults/main.kdbx")
	if err != nil || !removed {
		t.Fatalf("Forget() = %v, %v", removed, err)
	}
	if recent, _ := a.Recent(ctx); len(recent) != 0 {
		t.Errorf("Recent() after Forget = %d entries", len(recent))
	}
}

// brokenReader yields data once and then fails with err, calling hook first
// when set.
type brokenReader struct {
	data string
	err  error
	hook func()
	done bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.done {
		if r.hook != nil {
			r.hook()
		}
		return 0, r.err
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestApp_FailedWriteKeepsContent(t *testing.T) {
	errBroken := errors.New("connection reset")

	tests := []struct {
		name     string
		location string
	}{
		{"internal", "internal:/base/files/main.kdbx"},
		{"remote", "demo:/vaults/main.kdbx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			a, _ := newTestApp(t, newTestConfig(config.BackendConfig{Type: "fake", Name: "demo"}), Options{})

			if res := a.Write(ctx, tt.location, strings.NewReader("GOOD-FULL-VAULT"), false); res.IsError() {
				t.Fatalf("Write() error = %v", res.Err())
			}

			res := a.Write(ctx, tt.location, &brokenReader{data: "PART", err: errBroken}, false)
			if !res.IsError() {
				t.Fatal("Write() with a failing reader succeeded")
			}
			if !errors.Is(res.Err(), errBroken) {
				t.Errorf("Write() error = %v, want %v", res.Err(), errBroken)
			}

			var buf bytes.Buffer
			if read := a.Read(ctx, tt.location, &buf, ""); !read.IsSuccess() {
				t.Fatalf("Read() = %v, %v", read.Kind(), read.Err())
			}
			if buf.String() != "GOOD-FULL-VAULT" {
				t.Errorf("content after failed write = %q, want GOOD-FULL-VAULT", buf.String())
			}
		})
	}
}

func TestApp_CanceledWriteKeepsContent(t *testing.T) {
	a, fsys := newTestApp(t, newTestConfig(), Options{})
	location := "internal:/base/files/main.kdbx"

	if res := a.Write(context.Background(), location, strings.NewReader("GOOD-FULL-VAULT"), false); res.IsError() {
		t.Fatalf("Write() error = %v", res.Err())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := a.Write(ctx, location, &brokenReader{data: "PART", err: io.EOF, hook: cancel}, false)
	if !res.IsError() {
		t.Fatal("Write() after cancel succeeded")
	}
	if got := string(testutil.ReadFile(t, fsys, "/base/files/main.kdbx")); got != "GOOD-FULL-VAULT" {
		t.Errorf("stored content = %q, want GOOD-FULL-VAULT", got)
	}
}

func TestApp_LoginPersistsCredentials(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	dav := config.BackendConfig{Type: "webdav", Name: "dav", URL: "https://dav.example.com/", Username: "alice"}
	newCfg := func() *config.Config {
		cfg := newTestConfig(dav, config.BackendConfig{Type: "fake", Name: "demo"})
		cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: dataDir}
		return cfg
	}
	fsys := testutil.NewMemFs()

	a, _ := newTestApp(t, newCfg(), Options{Fs: fsys, Passphrase: "pw"})
	if err := a.Login(ctx, "dav", LoginInput{Secret: "s3cret"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := a.Login(ctx, "demo", LoginInput{Secret: "x"}); vfs.KindOf(err) != vfs.KindIncorrectUse {
		t.Errorf("Login(fake) kind = %v, want IncorrectUse", vfs.KindOf(err))
	}
	if err := a.Login(ctx, "nope", LoginInput{}); err == nil {
		t.Error("Login(unknown) succeeded")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	unlocked, _ := newTestApp(t, newCfg(), Options{Fs: fsys, Passphrase: "pw"})
	info := unlocked.Backends()[3]
	if info.AuthRequired {
		t.Error("stored credentials were not loaded")
	}
	creds, ok := info.Authority.Credentials.(vfs.BasicCredentials)
	if !ok || creds.Username != "alice" || creds.Password != "s3cret" {
		t.Errorf("credentials = %#v", info.Authority.Credentials)
	}
	if err := unlocked.Logout(ctx, "dav"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	unlocked.Close()

	locked, _ := newTestApp(t, newCfg(), Options{Fs: fsys})
	if !locked.Backends()[3].AuthRequired {
		t.Error("credentials available after logout")
	}
}

func TestApp_Backup(t *testing.T) {
	cfg := newTestConfig()
	cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: t.TempDir()}
	a, _ := newTestApp(t, cfg, Options{})

	dest := filepath.Join(t.TempDir(), "ledger-backup.db")
	if err := a.Backup(dest); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if _, err := afero.NewOsFs().Stat(dest); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}
