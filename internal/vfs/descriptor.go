package vfs

import (
	"path"
	"strings"
	"time"
)

// FileDescriptor identifies one file or directory on an authority. UID is
// backend-defined identity and the join key used by the cache and sync layers;
// on path-addressed backends it equals Path.
type FileDescriptor struct {
	Authority   Authority
	Path        string
	UID         string
	Name        string
	IsDirectory bool
	IsRoot      bool
	Modified    *time.Time
}

// Key identifies the descriptor across authorities.
func (f FileDescriptor) Key() string {
	return f.Authority.Key() + "#" + f.UID
}

// ModifiedOrZero returns the modification time, or the zero time when unknown.
func (f FileDescriptor) ModifiedOrZero() time.Time {
	if f.Modified == nil {
		return time.Time{}
	}
	return *f.Modified
}

// RemoteFileMetadata describes a file as the remote sees it. Revision is
// opaque and compared for equality only.
type RemoteFileMetadata struct {
	UID            string
	Path           string
	ServerModified time.Time
	ClientModified time.Time
	Revision       string
	Size           int64
	IsDirectory    bool
}

// TimePtr returns a pointer to t, or nil for the zero time.
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// NormalizePath returns a cleaned, slash-separated absolute path. Trailing
// separators are removed except for the root itself.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// IsRootPath reports whether p is the root of a path-addressed backend.
func IsRootPath(p string) bool {
	return NormalizePath(p) == "/"
}

// ParentPath returns the parent of p. The second result is false at the root.
func ParentPath(p string) (string, bool) {
	p = NormalizePath(p)
	if p == "/" {
		return "", false
	}
	return path.Dir(p), true
}

// JoinPath joins elements onto base and normalizes the result.
func JoinPath(base string, elem ...string) string {
	return NormalizePath(path.Join(append([]string{base}, elem...)...))
}

// BaseName returns the last element of p; the root is named "/".
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "/" {
		return "/"
	}
	return path.Base(p)
}

// RelativePath returns p relative to root without a leading separator, and
// false when p is not inside root. The root itself maps to "".
func RelativePath(root, p string) (string, bool) {
	root = NormalizePath(root)
	p = NormalizePath(p)
	if root == p {
		return "", true
	}
	prefix := root
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return strings.TrimPrefix(p, prefix), true
}

// IsWithin reports whether p equals root or lies below it.
func IsWithin(root, p string) bool {
	_, ok := RelativePath(root, p)
	return ok
}
