package fs

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/spf13/afero"

	"kpvault-go/internal/vfs"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want vfs.ErrorKind
	}{
		{"not exist", &os.PathError{Op: "open", Path: "/x", Err: os.ErrNotExist}, vfs.KindFileNotFound},
		{"permission", fmt.Errorf("wrapped: %w", os.ErrPermission), vfs.KindFileAccessForbidden},
		{"other", errors.New("disk on fire"), vfs.KindGenericIO},
		{"already classified", vfs.NewError(vfs.KindAuth, "no"), vfs.KindAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err, "open", "/x")
			if got.Kind != tt.want {
				t.Errorf("ClassifyError() kind = %v, want %v", got.Kind, tt.want)
			}
		})
	}

	if ClassifyError(nil, "open", "/x") != nil {
		t.Error("ClassifyError(nil) should be nil")
	}
}

func TestReadDir_SkipsTempFiles(t *testing.T) {
	fsys := afero.NewMemMapFs()
	afero.WriteFile(fsys, "/d/a.kdbx", []byte("a"), 0600)
	afero.WriteFile(fsys, "/d/"+TempPrefix+"42", []byte("partial"), 0600)
	fsys.MkdirAll("/d/sub", 0700)

	infos, err := ReadDir(fsys, "/d")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(infos))
	}
	for _, info := range infos {
		if IsTempFile(info.Name()) {
			t.Errorf("temp file %s listed", info.Name())
		}
	}

	if _, err := ReadDir(fsys, "/missing"); err == nil || err.Kind != vfs.KindFileNotFound {
		t.Errorf("ReadDir(missing) error = %v, want FileNotFound", err)
	}
}

func TestAtomicFile(t *testing.T) {
	t.Run("commit on close", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		fsys.MkdirAll("/d", 0700)
		afero.WriteFile(fsys, "/d/db.kdbx", []byte("old"), 0600)

		f, err := CreateAtomic(fsys, "/d/db.kdbx")
		if err != nil {
			t.Fatalf("CreateAtomic() error = %v", err)
		}
		committed := false
		f.OnCommit(func() error { committed = true; return nil })
		f.Write([]byte("new"))

		// Destination untouched until Close.
		if got, _ := afero.ReadFile(fsys, "/d/db.kdbx"); string(got) != "old" {
			t.Errorf("destination changed before close: %q", got)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if got, _ := afero.ReadFile(fsys, "/d/db.kdbx"); string(got) != "new" {
			t.Errorf("content = %q, want new", got)
		}
		if !committed {
			t.Error("OnCommit hook not called")
		}
		assertNoTempFiles(t, fsys, "/d")
	})

	t.Run("abort keeps old content", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		fsys.MkdirAll("/d", 0700)
		afero.WriteFile(fsys, "/d/db.kdbx", []byte("old"), 0600)

		f, err := CreateAtomic(fsys, "/d/db.kdbx")
		if err != nil {
			t.Fatalf("CreateAtomic() error = %v", err)
		}
		f.Write([]byte("half"))
		f.Abort()
		if err := f.Close(); err != nil {
			t.Errorf("Close() after Abort error = %v", err)
		}
		if got, _ := afero.ReadFile(fsys, "/d/db.kdbx"); string(got) != "old" {
			t.Errorf("content = %q, want old", got)
		}
		assertNoTempFiles(t, fsys, "/d")
	})
}

func assertNoTempFiles(t *testing.T, fsys afero.Fs, dir string) {
	t.Helper()
	infos, err := afero.ReadDir(fsys, dir)
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	for _, info := range infos {
		if IsTempFile(info.Name()) {
			t.Errorf("leftover temp file %s", info.Name())
		}
	}
}
