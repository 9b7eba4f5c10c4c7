// Package tree implements the document-tree backend: the user grants access
// to individual directory trees and nothing outside them is reachable.
// Granted trees are persisted in the ledger.
package tree

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"kpvault-go/internal/fs"
	"kpvault-go/internal/vfs"
)

// Provider serves every granted tree under the single tree authority. File
// UIDs are "<grant id>:<path relative to the grant root>" and survive the
// tree being granted again under another name.
type Provider struct {
	fs            afero.Fs
	grants        vfs.TreeGrantStore
	authenticator *Authenticator
	logger        vfs.Logger

	streamMu sync.Mutex
}

var _ vfs.FileSystemProvider = (*Provider)(nil)

func NewProvider(fsys afero.Fs, grants vfs.TreeGrantStore, hook vfs.InteractiveAuthHook, logger vfs.Logger) *Provider {
	if logger == nil {
		logger = vfs.NewNopLogger()
	}
	return &Provider{
		fs:            fsys,
		grants:        grants,
		authenticator: NewAuthenticator(grants, hook),
		logger:        logger,
	}
}

func (p *Provider) Authority() vfs.Authority { return vfs.TreeAuthority }

func (p *Provider) Authenticator() vfs.Authenticator { return p.authenticator }

// Grants returns the granted trees, oldest first.
func (p *Provider) Grants(ctx context.Context) ([]*vfs.TreeGrant, *vfs.Error) {
	grants, err := p.grants.ListTreeGrants(ctx)
	if err != nil {
		return nil, vfs.WrapError(vfs.KindGenericIO, err, "listing tree grants")
	}
	sort.SliceStable(grants, func(i, j int) bool {
		return grants[i].GrantedAt.Before(grants[j].GrantedAt)
	})
	return grants, nil
}

// Grant records access to the directory tree at rootPath and returns its root.
func (p *Provider) Grant(ctx context.Context, rootPath, name string) vfs.Result[vfs.FileDescriptor] {
	rootPath = vfs.NormalizePath(rootPath)
	info, verr := fs.Stat(p.fs, rootPath)
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	if !info.IsDir() {
		return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindNotADirectory, "%s is not a directory", rootPath))
	}
	if name == "" {
		name = vfs.BaseName(rootPath)
	}
	grant, err := p.grants.AddTreeGrant(ctx, rootPath, name)
	if err != nil {
		return vfs.FailWith[vfs.FileDescriptor](err, vfs.KindGenericIO)
	}
	p.logger.Info("granted tree", "id", grant.ID, "root", grant.RootPath)
	return vfs.Ok(p.describe(grant, rootPath, info))
}

func (p *Provider) Revoke(ctx context.Context, id string) error {
	if err := p.grants.RevokeTreeGrant(ctx, id); err != nil {
		return vfs.WrapError(vfs.KindGenericIO, err, "revoking tree grant %s", id)
	}
	p.logger.Info("revoked tree", "id", id)
	return nil
}

// locate finds the innermost grant containing path.
func (p *Provider) locate(ctx context.Context, path string) (*vfs.TreeGrant, *vfs.Error) {
	grants, verr := p.Grants(ctx)
	if verr != nil {
		return nil, verr
	}
	var best *vfs.TreeGrant
	for _, g := range grants {
		if vfs.IsWithin(g.RootPath, path) && (best == nil || len(g.RootPath) > len(best.RootPath)) {
			best = g
		}
	}
	if best == nil {
		return nil, vfs.NewError(vfs.KindPermission, "no granted tree contains %s", path)
	}
	return best, nil
}

func uidOf(grant *vfs.TreeGrant, path string) string {
	rel, _ := vfs.RelativePath(grant.RootPath, path)
	return grant.ID + ":" + rel
}

func (p *Provider) describe(grant *vfs.TreeGrant, path string, info os.FileInfo) vfs.FileDescriptor {
	isRoot := path == vfs.NormalizePath(grant.RootPath)
	name := vfs.BaseName(path)
	if isRoot {
		name = grant.Name
	}
	return vfs.FileDescriptor{
		Authority:   vfs.TreeAuthority,
		Path:        path,
		UID:         uidOf(grant, path),
		Name:        name,
		IsDirectory: info.IsDir(),
		IsRoot:      isRoot,
		Modified:    vfs.TimePtr(info.ModTime().UTC()),
	}
}

// check validates file and returns its path and grant.
func (p *Provider) check(ctx context.Context, file vfs.FileDescriptor) (string, *vfs.TreeGrant, *vfs.Error) {
	if err := vfs.CheckAuthority(vfs.TreeAuthority, file); err != nil {
		return "", nil, err
	}
	path := vfs.NormalizePath(file.Path)
	grant, verr := p.locate(ctx, path)
	if verr != nil {
		return "", nil, verr
	}
	return path, grant, nil
}

// PathOf maps a uid back to an absolute path.
func (p *Provider) PathOf(ctx context.Context, uid string) (string, *vfs.Error) {
	id, rel, ok := strings.Cut(uid, ":")
	if !ok {
		return "", vfs.NewError(vfs.KindFileNotFound, "malformed tree uid %q", uid)
	}
	grants, verr := p.Grants(ctx)
	if verr != nil {
		return "", verr
	}
	for _, g := range grants {
		if g.ID == id {
			return vfs.JoinPath(g.RootPath, rel), nil
		}
	}
	return "", vfs.NewError(vfs.KindPermission, "tree grant %s was revoked", id)
}

func (p *Provider) ListFiles(ctx context.Context, dir vfs.FileDescriptor) vfs.Result[[]vfs.FileDescriptor] {
	if !dir.IsDirectory {
		return vfs.Fail[[]vfs.FileDescriptor](vfs.NewError(vfs.KindNotADirectory, "%s is not a directory", dir.Path))
	}
	path, grant, verr := p.check(ctx, dir)
	if verr != nil {
		return vfs.Fail[[]vfs.FileDescriptor](verr)
	}
	infos, verr := fs.ReadDir(p.fs, path)
	if verr != nil {
		return vfs.Fail[[]vfs.FileDescriptor](verr)
	}
	files := make([]vfs.FileDescriptor, 0, len(infos))
	for _, info := range infos {
		child := vfs.JoinPath(path, info.Name())
		if child == path {
			continue
		}
		files = append(files, p.describe(grant, child, info))
	}
	return vfs.Ok(files)
}

// GetParent stops at the grant root unless another granted tree encloses it,
// in which case the parent belongs to that tree.
func (p *Provider) GetParent(ctx context.Context, file vfs.FileDescriptor) vfs.Result[vfs.FileDescriptor] {
	path, grant, verr := p.check(ctx, file)
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	parent, ok := vfs.ParentPath(path)
	if !ok {
		return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindFileNotFound, "%s has no parent", path))
	}
	if path == vfs.NormalizePath(grant.RootPath) {
		outer, verr := p.locate(ctx, parent)
		if verr != nil {
			if verr.Kind == vfs.KindPermission {
				return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindFileNotFound, "%s is the root of a granted tree", path))
			}
			return vfs.Fail[vfs.FileDescriptor](verr)
		}
		grant = outer
	}
	info, verr := fs.Stat(p.fs, parent)
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	return vfs.Ok(p.describe(grant, parent, info))
}

// GetRootFile returns the root of the oldest grant that still exists.
func (p *Provider) GetRootFile(ctx context.Context) vfs.Result[vfs.FileDescriptor] {
	grants, verr := p.Grants(ctx)
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	if len(grants) == 0 {
		return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindPermission, "no tree granted"))
	}
	for _, g := range grants {
		root := vfs.NormalizePath(g.RootPath)
		info, err := p.fs.Stat(root)
		if err != nil || !info.IsDir() {
			p.logger.Warn("granted tree is gone", "id", g.ID, "root", root)
			continue
		}
		return vfs.Ok(p.describe(g, root, info))
	}
	return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindFileNotFound, "no granted tree exists anymore"))
}

func (p *Provider) Exists(ctx context.Context, file vfs.FileDescriptor) vfs.Result[bool] {
	path, _, verr := p.check(ctx, file)
	if verr != nil {
		return vfs.Fail[bool](verr)
	}
	if _, verr := fs.Stat(p.fs, path); verr != nil {
		if verr.Kind == vfs.KindFileNotFound {
			return vfs.Ok(false)
		}
		return vfs.Fail[bool](verr)
	}
	return vfs.Ok(true)
}

func (p *Provider) GetFile(ctx context.Context, path string, _ vfs.FSOptions) vfs.Result[vfs.FileDescriptor] {
	path = vfs.NormalizePath(path)
	grant, verr := p.locate(ctx, path)
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	info, verr := fs.Stat(p.fs, path)
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	return vfs.Ok(p.describe(grant, path, info))
}

func (p *Provider) OpenForRead(ctx context.Context, file vfs.FileDescriptor, _ vfs.FSOptions) vfs.Result[io.ReadCloser] {
	path, _, verr := p.check(ctx, file)
	if verr != nil {
		return vfs.Fail[io.ReadCloser](verr)
	}

	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	f, err := p.fs.Open(path)
	if err != nil {
		return vfs.Fail[io.ReadCloser](fs.ClassifyError(err, "open", path))
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return vfs.Fail[io.ReadCloser](vfs.NewError(vfs.KindGenericIO, "%s is a directory", path))
	}
	return vfs.Ok[io.ReadCloser](f)
}

func (p *Provider) OpenForWrite(ctx context.Context, file vfs.FileDescriptor, options vfs.FSOptions) vfs.Result[io.WriteCloser] {
	if !options.WriteEnabled {
		return vfs.Fail[io.WriteCloser](vfs.NewError(vfs.KindWriteNotSupported, "write not enabled for %s", file.Path))
	}
	path, _, verr := p.check(ctx, file)
	if verr != nil {
		return vfs.Fail[io.WriteCloser](verr)
	}

	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	f, err := fs.CreateAtomic(p.fs, path)
	if err != nil {
		return vfs.Fail[io.WriteCloser](fs.ClassifyError(err, "create", path))
	}
	return vfs.Ok[io.WriteCloser](&writeStream{file: f, path: path})
}

var _ vfs.Aborter = (*writeStream)(nil)

type writeStream struct {
	file *fs.AtomicFile
	path string
}

func (w *writeStream) Write(b []byte) (int, error) {
	n, err := w.file.Write(b)
	if err != nil {
		return n, fs.ClassifyError(err, "write", w.path)
	}
	return n, nil
}

func (w *writeStream) Close() error {
	if err := w.file.Close(); err != nil {
		return fs.ClassifyError(err, "commit", w.path)
	}
	return nil
}

func (w *writeStream) Abort() {
	w.file.Abort()
}
