// Package remote implements the provider and sync processor shared by every
// network backend. Backends plug in a Client; this package handles credential
// reconciliation, the local file cache and conflict detection.
package remote

import (
	"context"
	"io"

	"kpvault-go/internal/vfs"
)

// Client is the transport of one remote backend instance. Paths are
// normalized absolute paths; the root is "/". Every returned error is a
// *vfs.Error classified by the backend.
type Client interface {
	// List returns the children of path. It may include path itself.
	List(ctx context.Context, path string) ([]vfs.RemoteFileMetadata, error)
	Stat(ctx context.Context, path string) (vfs.RemoteFileMetadata, error)
	// Download writes the content of path to w and returns the metadata of
	// the downloaded revision.
	Download(ctx context.Context, path string, w io.Writer) (vfs.RemoteFileMetadata, error)
	// Upload replaces the content of path and returns the new metadata.
	Upload(ctx context.Context, path string, r io.Reader, size int64) (vfs.RemoteFileMetadata, error)
}

// ClientFactory builds a client for the given credentials. It must not do I/O.
type ClientFactory func(creds vfs.Credentials) (Client, error)

func classify(err error) *vfs.Error {
	return vfs.ToError(err, vfs.KindUnknown)
}

// ContextReader fails reads once ctx is done, so transfers through clients
// without context support still stop on cancellation.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
