package local

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"kpvault-go/internal/testutil"
	"kpvault-go/internal/vfs"
)

const (
	appDir       = "/data/app"
	externalRoot = "/storage/emulated/0"
)

var modTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newExternal(t *testing.T, granted bool) (*Provider, *testutil.CountingFs, *testutil.StubPermission) {
	t.Helper()
	mem := testutil.NewMemFs()
	testutil.AddDirectory(t, mem, appDir)
	testutil.AddFile(t, mem, appDir+"/internal.kdbx", []byte("internal"), modTime)
	testutil.AddFile(t, mem, externalRoot+"/Documents/db.kdbx", []byte("external"), modTime)
	counting := testutil.NewCountingFs(mem)
	permission := testutil.NewStubPermission(granted)
	p := NewExternalProvider(counting, ExternalOptions{
		AppDir:        appDir,
		ExternalRoots: []string{externalRoot},
		Permission:    permission,
	})
	return p, counting, permission
}

func dirOf(a vfs.Authority, path string) vfs.FileDescriptor {
	return vfs.FileDescriptor{Authority: a, Path: path, UID: path, IsDirectory: true}
}

func fileOf(a vfs.Authority, path string) vfs.FileDescriptor {
	return vfs.FileDescriptor{Authority: a, Path: path, UID: path}
}

func TestExternalProvider_GetRootFile(t *testing.T) {
	p, _, _ := newExternal(t, true)

	res := p.GetRootFile(context.Background())
	if !res.IsSuccess() {
		t.Fatalf("GetRootFile() = %v", res.Err())
	}
	root := res.Value()
	if root.Path != externalRoot {
		t.Errorf("root path = %q, want %q", root.Path, externalRoot)
	}
	if !root.IsRoot || !root.IsDirectory {
		t.Errorf("root = %+v, want directory marked as root", root)
	}
}

func TestExternalProvider_GetRootFileFallsBackToAppDir(t *testing.T) {
	mem := testutil.NewMemFs()
	testutil.AddDirectory(t, mem, appDir)
	p := NewExternalProvider(mem, ExternalOptions{
		AppDir:        appDir,
		ExternalRoots: []string{externalRoot},
	})

	res := p.GetRootFile(context.Background())
	if !res.IsSuccess() {
		t.Fatalf("GetRootFile() = %v", res.Err())
	}
	if res.Value().Path != appDir {
		t.Errorf("root path = %q, want %q", res.Value().Path, appDir)
	}
}

func TestInternalProvider_GetRootFileMissing(t *testing.T) {
	p := NewInternalProvider(testutil.NewMemFs(), appDir, nil)

	res := p.GetRootFile(context.Background())
	if !res.IsError() || res.Err().Kind != vfs.KindFileNotFound {
		t.Fatalf("GetRootFile() = %v, want FileNotFound", res.Err())
	}
}

func TestExternalProvider_PermissionGate(t *testing.T) {
	p, counting, permission := newExternal(t, false)
	ctx := context.Background()
	a := p.Authority()

	t.Run("denied before any filesystem call", func(t *testing.T) {
		before := counting.Calls()
		res := p.ListFiles(ctx, dirOf(a, externalRoot+"/Documents"))
		if !res.IsError() || res.Err().Kind != vfs.KindPermission {
			t.Fatalf("ListFiles() = %v, want PermissionError", res.Err())
		}
		if counting.Calls() != before {
			t.Errorf("filesystem touched %d times", counting.Calls()-before)
		}

		if r := p.Exists(ctx, fileOf(a, externalRoot+"/Documents/db.kdbx")); !r.IsError() || r.Err().Kind != vfs.KindPermission {
			t.Errorf("Exists() = %v, want PermissionError", r.Err())
		}
		if r := p.OpenForRead(ctx, fileOf(a, externalRoot+"/Documents/db.kdbx"), vfs.ReadOptions()); !r.IsError() || r.Err().Kind != vfs.KindPermission {
			t.Errorf("OpenForRead() = %v, want PermissionError", r.Err())
		}
		if counting.Calls() != before {
			t.Errorf("filesystem touched %d times", counting.Calls()-before)
		}
	})

	t.Run("app dir always allowed", func(t *testing.T) {
		res := p.ListFiles(ctx, dirOf(a, appDir))
		if !res.IsSuccess() {
			t.Fatalf("ListFiles(appDir) = %v", res.Err())
		}
		if len(res.Value()) != 1 {
			t.Errorf("got %d files, want 1", len(res.Value()))
		}
	})

	t.Run("allowed once granted", func(t *testing.T) {
		permission.Set(true)
		defer permission.Set(false)

		res := p.ListFiles(ctx, dirOf(a, externalRoot+"/Documents"))
		if !res.IsSuccess() {
			t.Fatalf("ListFiles() = %v", res.Err())
		}
	})

	t.Run("outside storage roots", func(t *testing.T) {
		permission.Set(true)
		defer permission.Set(false)

		res := p.ListFiles(ctx, dirOf(a, "/etc"))
		if !res.IsError() || res.Err().Kind != vfs.KindFileAccessForbidden {
			t.Fatalf("ListFiles(/etc) = %v, want FileAccessForbidden", res.Err())
		}
	})
}

func TestInternalProvider_Gate(t *testing.T) {
	mem := testutil.NewMemFs()
	testutil.AddFile(t, mem, "/elsewhere/db.kdbx", []byte("x"), modTime)
	p := NewInternalProvider(mem, appDir, nil)

	res := p.GetFile(context.Background(), "/elsewhere/db.kdbx", vfs.ReadOptions())
	if !res.IsError() || res.Err().Kind != vfs.KindFileAccessForbidden {
		t.Fatalf("GetFile() = %v, want FileAccessForbidden", res.Err())
	}
}

func TestProvider_ListFiles(t *testing.T) {
	p, _, _ := newExternal(t, true)
	ctx := context.Background()
	a := p.Authority()

	t.Run("excludes the directory itself", func(t *testing.T) {
		dir := dirOf(a, externalRoot)
		res := p.ListFiles(ctx, dir)
		if !res.IsSuccess() {
			t.Fatalf("ListFiles() = %v", res.Err())
		}
		for _, f := range res.Value() {
			if f.Path == dir.Path {
				t.Errorf("listing contains the directory itself")
			}
		}
		if len(res.Value()) != 1 || res.Value()[0].Name != "Documents" || !res.Value()[0].IsDirectory {
			t.Errorf("ListFiles() = %+v, want [Documents]", res.Value())
		}
	})

	t.Run("not a directory", func(t *testing.T) {
		res := p.ListFiles(ctx, fileOf(a, externalRoot+"/Documents/db.kdbx"))
		if !res.IsError() || res.Err().Kind != vfs.KindNotADirectory {
			t.Fatalf("ListFiles(file) = %v, want NotADirectory", res.Err())
		}
	})

	t.Run("wrong authority", func(t *testing.T) {
		res := p.ListFiles(ctx, dirOf(vfs.InternalStorageAuthority, appDir))
		if !res.IsError() || res.Err().Kind != vfs.KindIncorrectCredentials {
			t.Fatalf("ListFiles() = %v, want IncorrectCredentials", res.Err())
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		res := p.ListFiles(ctx, dirOf(a, externalRoot+"/missing"))
		if !res.IsError() || res.Err().Kind != vfs.KindFileNotFound {
			t.Fatalf("ListFiles() = %v, want FileNotFound", res.Err())
		}
	})
}

func TestProvider_GetParent(t *testing.T) {
	p, _, _ := newExternal(t, true)
	ctx := context.Background()
	a := p.Authority()

	root := p.GetRootFile(ctx).Value()
	if res := p.GetParent(ctx, root); !res.IsError() || res.Err().Kind != vfs.KindFileNotFound {
		t.Errorf("GetParent(root) = %v, want FileNotFound", res.Err())
	}

	app := p.GetFile(ctx, appDir, vfs.ReadOptions()).Value()
	if res := p.GetParent(ctx, app); !res.IsError() {
		t.Errorf("GetParent(appDir) succeeded, want error")
	}

	res := p.GetParent(ctx, fileOf(a, externalRoot+"/Documents/db.kdbx"))
	if !res.IsSuccess() {
		t.Fatalf("GetParent() = %v", res.Err())
	}
	if got := res.Value(); got.Path != externalRoot+"/Documents" || got.IsRoot {
		t.Errorf("GetParent() = %+v", got)
	}
}

func TestProvider_GetFileAndExists(t *testing.T) {
	p, _, _ := newExternal(t, true)
	ctx := context.Background()

	res := p.GetFile(ctx, externalRoot+"/Documents/db.kdbx/", vfs.ReadOptions())
	if !res.IsSuccess() {
		t.Fatalf("GetFile() = %v", res.Err())
	}
	f := res.Value()
	if f.UID != f.Path || f.Name != "db.kdbx" || f.IsDirectory {
		t.Errorf("GetFile() = %+v", f)
	}
	if !f.ModifiedOrZero().Equal(modTime) {
		t.Errorf("modified = %v, want %v", f.ModifiedOrZero(), modTime)
	}

	if ok := p.Exists(ctx, f); !ok.IsSuccess() || !ok.Value() {
		t.Errorf("Exists(existing) = %v, %v", ok.Value(), ok.Err())
	}
	missing := fileOf(p.Authority(), externalRoot+"/Documents/none.kdbx")
	if ok := p.Exists(ctx, missing); !ok.IsSuccess() || ok.Value() {
		t.Errorf("Exists(missing) = %v, %v", ok.Value(), ok.Err())
	}
}

func TestProvider_ReadWrite(t *testing.T) {
	p, _, _ := newExternal(t, true)
	ctx := context.Background()
	f := fileOf(p.Authority(), externalRoot+"/Documents/db.kdbx")

	t.Run("write requires write option", func(t *testing.T) {
		res := p.OpenForWrite(ctx, f, vfs.ReadOptions())
		if !res.IsError() || res.Err().Kind != vfs.KindWriteNotSupported {
			t.Fatalf("OpenForWrite() = %v, want WriteNotSupported", res.Err())
		}
	})

	t.Run("write then read", func(t *testing.T) {
		w := p.OpenForWrite(ctx, f, vfs.WriteOptions())
		if !w.IsSuccess() {
			t.Fatalf("OpenForWrite() = %v", w.Err())
		}
		if _, err := w.Value().Write([]byte("updated")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if err := w.Value().Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		r := p.OpenForRead(ctx, f, vfs.ReadOptions())
		if !r.IsSuccess() {
			t.Fatalf("OpenForRead() = %v", r.Err())
		}
		defer r.Value().Close()
		got, err := io.ReadAll(r.Value())
		if err != nil {
			t.Fatalf("ReadAll() error = %v", err)
		}
		if !bytes.Equal(got, []byte("updated")) {
			t.Errorf("content = %q, want updated", got)
		}
	})

	t.Run("read missing file", func(t *testing.T) {
		r := p.OpenForRead(ctx, fileOf(p.Authority(), externalRoot+"/nope.kdbx"), vfs.ReadOptions())
		if !r.IsError() || r.Err().Kind != vfs.KindFileNotFound {
			t.Fatalf("OpenForRead() = %v, want FileNotFound", r.Err())
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if r := p.OpenForRead(cctx, f, vfs.ReadOptions()); !r.IsError() {
			t.Errorf("OpenForRead() with cancelled context succeeded")
		}
	})
}

func TestProvider_OSDenialIsAccessForbidden(t *testing.T) {
	mem := testutil.NewMemFs()
	testutil.AddFile(t, mem, appDir+"/locked.kdbx", []byte("x"), modTime)
	deny := &testutil.DenyFs{Fs: mem, Denied: map[string]bool{appDir + "/locked.kdbx": true}}
	p := NewInternalProvider(deny, appDir, nil)

	r := p.OpenForRead(context.Background(), fileOf(p.Authority(), appDir+"/locked.kdbx"), vfs.ReadOptions())
	if !r.IsError() || r.Err().Kind != vfs.KindFileAccessForbidden {
		t.Fatalf("OpenForRead() = %v, want FileAccessForbidden", r.Err())
	}
}

func TestProvider_StreamOpeningIsSerialized(t *testing.T) {
	const wait = 50 * time.Millisecond
	ctx := context.Background()
	mem := testutil.NewMemFs()
	testutil.AddFile(t, mem, appDir+"/a.kdbx", []byte("a"), modTime)
	testutil.AddFile(t, mem, appDir+"/b.kdbx", []byte("b"), modTime)
	blocking := testutil.NewBlockingFs(mem, appDir+"/a.kdbx")
	defer blocking.Release()
	p := NewInternalProvider(blocking, appDir, nil)
	a := p.Authority()

	first := make(chan vfs.Result[io.ReadCloser], 1)
	go func() { first <- p.OpenForRead(ctx, fileOf(a, appDir+"/a.kdbx"), vfs.ReadOptions()) }()
	select {
	case <-blocking.Entered():
	case <-time.After(time.Second):
		t.Fatal("first OpenForRead() never reached the filesystem")
	}

	second := make(chan vfs.Result[io.ReadCloser], 1)
	go func() { second <- p.OpenForRead(ctx, fileOf(a, appDir+"/b.kdbx"), vfs.ReadOptions()) }()
	write := make(chan vfs.Result[io.WriteCloser], 1)
	go func() { write <- p.OpenForWrite(ctx, fileOf(a, appDir+"/b.kdbx"), vfs.WriteOptions()) }()

	listed := make(chan vfs.Result[[]vfs.FileDescriptor], 1)
	go func() { listed <- p.ListFiles(ctx, dirOf(a, appDir)) }()
	select {
	case res := <-listed:
		if !res.IsSuccess() || len(res.Value()) != 2 {
			t.Errorf("ListFiles() = %v, %v, want two files", res.Value(), res.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("ListFiles() waited for an opening stream")
	}

	select {
	case <-second:
		t.Fatal("second OpenForRead() did not wait for the first")
	case <-write:
		t.Fatal("OpenForWrite() did not wait for the first OpenForRead()")
	case <-time.After(wait):
	}

	blocking.Release()
	for name, ch := range map[string]chan vfs.Result[io.ReadCloser]{"first": first, "second": second} {
		select {
		case res := <-ch:
			if !res.IsSuccess() {
				t.Fatalf("%s OpenForRead() = %v", name, res.Err())
			}
			res.Value().Close()
		case <-time.After(time.Second):
			t.Fatalf("%s OpenForRead() still blocked after release", name)
		}
	}
	select {
	case res := <-write:
		if !res.IsSuccess() {
			t.Fatalf("OpenForWrite() = %v", res.Err())
		}
		vfs.AbortOrClose(res.Value())
	case <-time.After(time.Second):
		t.Fatal("OpenForWrite() still blocked after release")
	}
	if got := string(testutil.ReadFile(t, mem, appDir+"/b.kdbx")); got != "b" {
		t.Errorf("b.kdbx = %q after aborted write, want b", got)
	}
}
