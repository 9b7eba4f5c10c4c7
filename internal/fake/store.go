// Package fake implements the FAKE backend: an in-memory remote with a
// revision counter, an offline switch and error injection.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"kpvault-go/internal/vfs"
)

type entry struct {
	data     []byte
	revision string
	modified time.Time
}

// Store is an in-memory remote. It satisfies remote.Client and is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	files    map[string]*entry
	dirs     map[string]bool
	counter  int64
	clock    vfs.Clock
	offline  bool
	failures map[string]*vfs.Error
	calls    int
}

func NewStore(clock vfs.Clock) *Store {
	if clock == nil {
		clock = vfs.RealClock{}
	}
	return &Store{
		files:    make(map[string]*entry),
		dirs:     map[string]bool{"/": true},
		clock:    clock,
		failures: make(map[string]*vfs.Error),
	}
}

// SetOffline makes every call fail with NetworkIOError.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext makes the next call of op ("list", "stat", "download", "upload") fail with err.
func (s *Store) FailNext(op string, err *vfs.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// Calls returns the number of client calls served so far.
func (s *Store) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// Put changes a file on the server side, as another device would.
func (s *Store) Put(p string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(vfs.NormalizePath(p), data)
}

// Get returns the server-side content of p.
func (s *Store) Get(p string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.files[vfs.NormalizePath(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// Revision returns the current revision of p.
func (s *Store) Revision(p string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.files[vfs.NormalizePath(p)]; ok {
		return e.revision
	}
	return ""
}

// Mkdir creates a directory and its parents.
func (s *Store) Mkdir(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(vfs.NormalizePath(p))
}

func (s *Store) mkdirAll(p string) {
	for {
		s.dirs[p] = true
		parent, ok := vfs.ParentPath(p)
		if !ok {
			return
		}
		p = parent
	}
}

func (s *Store) put(p string, data []byte) string {
	s.counter++
	rev := fmt.Sprintf("r%d", s.counter)
	s.files[p] = &entry{data: append([]byte(nil), data...), revision: rev, modified: s.clock.Now().UTC()}
	if parent, ok := vfs.ParentPath(p); ok {
		s.mkdirAll(parent)
	}
	return rev
}

// begin accounts for a call and returns the injected failure, if any.
func (s *Store) begin(ctx context.Context, op string) *vfs.Error {
	s.calls++
	if err := ctx.Err(); err != nil {
		return vfs.WrapError(vfs.KindNetworkIO, err, "%s cancelled", op)
	}
	if s.offline {
		return vfs.NewError(vfs.KindNetworkIO, "fake remote is offline")
	}
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

func (s *Store) meta(p string) (vfs.RemoteFileMetadata, bool) {
	if e, ok := s.files[p]; ok {
		return vfs.RemoteFileMetadata{
			UID:            p,
			Path:           p,
			ServerModified: e.modified,
			ClientModified: e.modified,
			Revision:       e.revision,
			Size:           int64(len(e.data)),
		}, true
	}
	if s.dirs[p] {
		return vfs.RemoteFileMetadata{UID: p, Path: p, IsDirectory: true}, true
	}
	return vfs.RemoteFileMetadata{}, false
}

// List returns the directory itself followed by its children, like a depth-1 PROPFIND.
func (s *Store) List(ctx context.Context, p string) ([]vfs.RemoteFileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "list"); err != nil {
		return nil, err
	}
	p = vfs.NormalizePath(p)
	self, ok := s.meta(p)
	if !ok {
		return nil, vfs.NewError(vfs.KindFileNotFound, "%s not found", p)
	}
	if !self.IsDirectory {
		return nil, vfs.NewError(vfs.KindNotADirectory, "%s is not a directory", p)
	}

	var children []string
	seen := make(map[string]bool)
	collect := func(candidate string) {
		parent, ok := vfs.ParentPath(candidate)
		if ok && parent == p && !seen[candidate] {
			seen[candidate] = true
			children = append(children, candidate)
		}
	}
	for f := range s.files {
		collect(f)
	}
	for d := range s.dirs {
		collect(d)
	}
	sort.Strings(children)

	out := []vfs.RemoteFileMetadata{self}
	for _, c := range children {
		m, _ := s.meta(c)
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Stat(ctx context.Context, p string) (vfs.RemoteFileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "stat"); err != nil {
		return vfs.RemoteFileMetadata{}, err
	}
	m, ok := s.meta(vfs.NormalizePath(p))
	if !ok {
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindFileNotFound, "%s not found", p)
	}
	return m, nil
}

func (s *Store) Download(ctx context.Context, p string, w io.Writer) (vfs.RemoteFileMetadata, error) {
	s.mu.Lock()
	if err := s.begin(ctx, "download"); err != nil {
		s.mu.Unlock()
		return vfs.RemoteFileMetadata{}, err
	}
	p = vfs.NormalizePath(p)
	e, ok := s.files[p]
	if !ok {
		s.mu.Unlock()
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindFileNotFound, "%s not found", p)
	}
	data := e.data
	m, _ := s.meta(p)
	s.mu.Unlock()

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return vfs.RemoteFileMetadata{}, vfs.WrapError(vfs.KindGenericIO, err, "writing %s", p)
	}
	return m, nil
}

func (s *Store) Upload(ctx context.Context, p string, r io.Reader, size int64) (vfs.RemoteFileMetadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return vfs.RemoteFileMetadata{}, vfs.WrapError(vfs.KindGenericIO, err, "reading upload of %s", p)
	}
	if size >= 0 && int64(len(data)) != size {
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindGenericIO,
			"size mismatch: expected %d bytes, got %d", size, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "upload"); err != nil {
		return vfs.RemoteFileMetadata{}, err
	}
	p = vfs.NormalizePath(p)
	if s.dirs[p] {
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindRemoteAPI, "%s is a directory", p)
	}
	// Uploads create missing parents, like the real backends do.
	s.put(p, data)
	m, _ := s.meta(p)
	return m, nil
}
