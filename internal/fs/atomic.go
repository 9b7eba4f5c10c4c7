package fs

import (
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// TempPrefix starts the name of every temp file created by AtomicFile.
const TempPrefix = ".kpvault-tmp-"

// IsTempFile reports whether name belongs to an in-flight atomic write.
func IsTempFile(name string) bool {
	return strings.HasPrefix(path.Base(name), TempPrefix)
}

// AtomicFile writes to a temp file next to its destination and renames it
// into place on Close. Abort, or a failed write, discards the temp file.
type AtomicFile struct {
	fs       afero.Fs
	dest     string
	tmp      afero.File
	mu       sync.Mutex
	err      error
	done     bool
	onCommit func() error
}

// CreateAtomic starts an atomic write of dest.
func CreateAtomic(fsys afero.Fs, dest string) (*AtomicFile, error) {
	tmp, err := afero.TempFile(fsys, path.Dir(dest), TempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &AtomicFile{fs: fsys, dest: dest, tmp: tmp}, nil
}

// OnCommit registers fn to run after the rename succeeded. Its error is returned by Close.
func (f *AtomicFile) OnCommit(fn func() error) {
	f.onCommit = fn
}

func (f *AtomicFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return 0, os.ErrClosed
	}
	n, err := f.tmp.Write(p)
	if err != nil && f.err == nil {
		f.err = err
	}
	return n, err
}

// Close commits the write unless a previous write failed.
func (f *AtomicFile) Close() error {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return nil
	}
	f.done = true
	tmpName := f.tmp.Name()

	if f.err != nil {
		f.tmp.Close()
		f.fs.Remove(tmpName)
		f.mu.Unlock()
		return fmt.Errorf("write failed, discarded %s: %w", f.dest, f.err)
	}
	if err := f.tmp.Sync(); err != nil {
		f.tmp.Close()
		f.fs.Remove(tmpName)
		f.mu.Unlock()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		f.fs.Remove(tmpName)
		f.mu.Unlock()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := f.fs.Rename(tmpName, f.dest); err != nil {
		f.fs.Remove(tmpName)
		f.mu.Unlock()
		return fmt.Errorf("renaming temp file: %w", err)
	}
	onCommit := f.onCommit
	f.mu.Unlock()

	if onCommit != nil {
		return onCommit()
	}
	return nil
}

// Abort discards the temp file without touching the destination.
func (f *AtomicFile) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.done = true
	f.tmp.Close()
	f.fs.Remove(f.tmp.Name())
}
