package testutil

import (
	"os"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// NewMemFs returns an in-memory filesystem.
func NewMemFs() afero.Fs {
	return afero.NewMemMapFs()
}

// AddFile writes content at p, creating parent directories, and sets its
// modification time.
func AddFile(t *testing.T, fs afero.Fs, p string, content []byte, modTime time.Time) {
	t.Helper()

	if err := fs.MkdirAll(path.Dir(p), 0755); err != nil {
		t.Fatalf("creating parent of %s: %v", p, err)
	}
	if err := afero.WriteFile(fs, p, content, 0644); err != nil {
		t.Fatalf("writing %s: %v", p, err)
	}
	if !modTime.IsZero() {
		if err := fs.Chtimes(p, modTime, modTime); err != nil {
			t.Fatalf("setting mtime of %s: %v", p, err)
		}
	}
}

// AddDirectory creates p and its parents.
func AddDirectory(t *testing.T, fs afero.Fs, p string) {
	t.Helper()

	if err := fs.MkdirAll(p, 0755); err != nil {
		t.Fatalf("creating %s: %v", p, err)
	}
}

// ReadFile returns the content at p or fails the test.
func ReadFile(t *testing.T, fs afero.Fs, p string) []byte {
	t.Helper()

	data, err := afero.ReadFile(fs, p)
	if err != nil {
		t.Fatalf("reading %s: %v", p, err)
	}
	return data
}

// CountingFs wraps an afero.Fs and counts the calls that touch it.
type CountingFs struct {
	afero.Fs
	calls atomic.Int64
}

func NewCountingFs(base afero.Fs) *CountingFs {
	return &CountingFs{Fs: base}
}

// Calls returns the number of filesystem calls made so far.
func (c *CountingFs) Calls() int64 { return c.calls.Load() }

func (c *CountingFs) Open(name string) (afero.File, error) {
	c.calls.Add(1)
	return c.Fs.Open(name)
}

func (c *CountingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	c.calls.Add(1)
	return c.Fs.OpenFile(name, flag, perm)
}

func (c *CountingFs) Stat(name string) (os.FileInfo, error) {
	c.calls.Add(1)
	return c.Fs.Stat(name)
}

func (c *CountingFs) Create(name string) (afero.File, error) {
	c.calls.Add(1)
	return c.Fs.Create(name)
}

// DenyFs fails every call on the listed paths with os.ErrPermission.
type DenyFs struct {
	afero.Fs
	Denied map[string]bool
}

func (d *DenyFs) deny(name string) error {
	if d.Denied[path.Clean(name)] {
		return &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return nil
}

func (d *DenyFs) Open(name string) (afero.File, error) {
	if err := d.deny(name); err != nil {
		return nil, err
	}
	return d.Fs.Open(name)
}

func (d *DenyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if err := d.deny(name); err != nil {
		return nil, err
	}
	return d.Fs.OpenFile(name, flag, perm)
}

func (d *DenyFs) Stat(name string) (os.FileInfo, error) {
	if err := d.deny(name); err != nil {
		return nil, err
	}
	return d.Fs.Stat(name)
}

// BlockingFs holds every Open and OpenFile of one path until Release is
// called. Other paths pass through.
type BlockingFs struct {
	afero.Fs
	path    string
	entered chan struct{}
	once    sync.Once
	release chan struct{}
	closing sync.Once
}

func NewBlockingFs(base afero.Fs, blocked string) *BlockingFs {
	return &BlockingFs{
		Fs:      base,
		path:    path.Clean(blocked),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

// Entered is closed once a call reached the blocked path.
func (b *BlockingFs) Entered() <-chan struct{} { return b.entered }

// Release lets held and later calls through. It is safe to call twice.
func (b *BlockingFs) Release() {
	b.closing.Do(func() { close(b.release) })
}

func (b *BlockingFs) wait(name string) {
	if path.Clean(name) != b.path {
		return
	}
	b.once.Do(func() { close(b.entered) })
	<-b.release
}

func (b *BlockingFs) Open(name string) (afero.File, error) {
	b.wait(name)
	return b.Fs.Open(name)
}

func (b *BlockingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	b.wait(name)
	return b.Fs.OpenFile(name, flag, perm)
}
