// Package webdav implements the WEBDAV backend on top of gowebdav.
package webdav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/studio-b12/gowebdav"

	"kpvault-go/internal/remote"
	"kpvault-go/internal/vfs"
)

// Client is a remote.Client speaking WebDAV. gowebdav has no context
// support, so ctx is checked between requests and on every read.
type Client struct {
	dav *gowebdav.Client
	url string
}

var _ remote.Client = (*Client)(nil)

// NewClient builds a client for creds. It does no I/O.
func NewClient(creds vfs.BasicCredentials, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(creds.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, vfs.NewError(vfs.KindAuth, "invalid WebDAV URL %q", creds.URL)
	}
	dav := gowebdav.NewClient(strings.TrimRight(creds.URL, "/"), creds.Username, creds.Password)
	if timeout > 0 {
		dav.SetTimeout(timeout)
	}
	return &Client{dav: dav, url: creds.URL}, nil
}

// NewClientFactory returns a factory accepting BasicCredentials only.
func NewClientFactory(timeout time.Duration) remote.ClientFactory {
	return func(creds vfs.Credentials) (remote.Client, error) {
		switch c := creds.(type) {
		case vfs.BasicCredentials:
			return NewClient(c, timeout)
		case nil:
			return nil, vfs.NewError(vfs.KindAuth, "WebDAV requires credentials")
		default:
			return nil, vfs.IncorrectUse(fmt.Sprintf("WebDAV with %T", creds))
		}
	}
}

// rel turns a normalized path into the form gowebdav expects. The root is
// the empty path.
func rel(p string) string {
	return strings.TrimPrefix(vfs.NormalizePath(p), "/")
}

func (c *Client) List(ctx context.Context, p string) ([]vfs.RemoteFileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err, "list", p)
	}
	p = vfs.NormalizePath(p)
	infos, err := c.dav.ReadDir(rel(p))
	if err != nil {
		return nil, classify(err, "list", p)
	}
	out := make([]vfs.RemoteFileMetadata, 0, len(infos))
	for _, info := range infos {
		out = append(out, metadata(vfs.JoinPath(p, info.Name()), info))
	}
	return out, nil
}

func (c *Client) Stat(ctx context.Context, p string) (vfs.RemoteFileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "stat", p)
	}
	p = vfs.NormalizePath(p)
	info, err := c.dav.Stat(rel(p))
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "stat", p)
	}
	return metadata(p, info), nil
}

// Download stats p before streaming it, so the returned revision is never
// newer than the content.
func (c *Client) Download(ctx context.Context, p string, w io.Writer) (vfs.RemoteFileMetadata, error) {
	meta, err := c.Stat(ctx, p)
	if err != nil {
		return vfs.RemoteFileMetadata{}, err
	}
	if meta.IsDirectory {
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindGenericIO, "%s is a directory", p)
	}
	stream, err := c.dav.ReadStream(rel(p))
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "download", p)
	}
	defer stream.Close()

	if _, err := io.Copy(w, remote.ContextReader(ctx, stream)); err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "download", p)
	}
	return meta, nil
}

func (c *Client) Upload(ctx context.Context, p string, r io.Reader, size int64) (vfs.RemoteFileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	p = vfs.NormalizePath(p)
	if parent, ok := vfs.ParentPath(p); ok && !vfs.IsRootPath(parent) {
		if err := c.dav.MkdirAll(rel(parent), 0755); err != nil {
			return vfs.RemoteFileMetadata{}, classify(err, "mkdir", parent)
		}
	}
	// Buffered so gowebdav can replay the body after an auth challenge.
	data, err := io.ReadAll(remote.ContextReader(ctx, r))
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	if size >= 0 && int64(len(data)) != size {
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindGenericIO,
			"size mismatch: expected %d bytes, got %d", size, len(data))
	}
	if err := c.dav.WriteStream(rel(p), bytes.NewReader(data), 0644); err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	return c.Stat(ctx, p)
}

// UploadFile copies localPath from fsys to the remote path, overwriting it.
func (c *Client) UploadFile(ctx context.Context, p string, fsys afero.Fs, localPath string) error {
	f, err := fsys.Open(localPath)
	if err != nil {
		return vfs.WrapError(vfs.KindGenericIO, err, "opening %s", localPath)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return vfs.WrapError(vfs.KindGenericIO, err, "stat %s", localPath)
	}
	if _, err := c.Upload(ctx, p, f, info.Size()); err != nil {
		return err
	}
	return nil
}

// DownloadFile copies the remote path to destPath on fsys. A partially
// written destination is left in place on failure.
func (c *Client) DownloadFile(ctx context.Context, p string, fsys afero.Fs, destPath string) error {
	f, err := fsys.Create(destPath)
	if err != nil {
		return vfs.WrapError(vfs.KindGenericIO, err, "creating %s", destPath)
	}
	defer f.Close()
	if _, err := c.Download(ctx, p, f); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return vfs.WrapError(vfs.KindGenericIO, err, "closing %s", destPath)
	}
	return nil
}

type etagger interface {
	ETag() string
}

func metadata(p string, info os.FileInfo) vfs.RemoteFileMetadata {
	meta := vfs.RemoteFileMetadata{
		UID:            p,
		Path:           p,
		ServerModified: info.ModTime().UTC(),
		Size:           info.Size(),
		IsDirectory:    info.IsDir(),
	}
	if e, ok := info.(etagger); ok && e.ETag() != "" {
		meta.Revision = strings.Trim(e.ETag(), `"`)
	} else if !info.IsDir() {
		meta.Revision = fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size())
	}
	return meta
}

// classify maps gowebdav and transport errors onto the error taxonomy.
func classify(err error, op, p string) *vfs.Error {
	if e, ok := vfs.AsError(err); ok {
		return e
	}
	var se gowebdav.StatusError
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return vfs.WrapError(vfs.KindAuth, err, "%s %s", op, p)
		case http.StatusNotFound:
			return vfs.WrapError(vfs.KindFileNotFound, err, "%s %s", op, p)
		}
		return vfs.WrapError(vfs.KindRemoteAPI, err, "%s %s: HTTP %d", op, p, se.Status)
	}
	if errors.Is(err, os.ErrNotExist) {
		return vfs.WrapError(vfs.KindFileNotFound, err, "%s %s", op, p)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return vfs.WrapError(vfs.KindNetworkIO, err, "%s %s", op, p)
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return vfs.WrapError(vfs.KindNetworkIO, err, "%s %s", op, p)
	}
	return vfs.WrapError(vfs.KindRemoteAPI, err, "%s %s", op, p)
}
