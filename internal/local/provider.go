// Package local implements the internal and external storage backends over an
// afero filesystem (the OS filesystem in production).
package local

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"

	"kpvault-go/internal/fs"
	"kpvault-go/internal/vfs"
)

// Provider serves one local storage authority. Every path-taking operation
// runs the permission gate before touching the filesystem. Opening streams is
// serialized per provider; listing and stat are not.
type Provider struct {
	fs            afero.Fs
	authority     vfs.Authority
	authenticator vfs.Authenticator
	appDir        string
	externalRoots []string
	candidates    []string
	gate          func(path string) *vfs.Error
	logger        vfs.Logger

	streamMu sync.Mutex
}

var _ vfs.FileSystemProvider = (*Provider)(nil)

// NewInternalProvider serves the app-private directory only.
func NewInternalProvider(fsys afero.Fs, appDir string, logger vfs.Logger) *Provider {
	p := &Provider{
		fs:            fsys,
		authority:     vfs.InternalStorageAuthority,
		authenticator: NewNoneAuthenticator(vfs.InternalStorageAuthority),
		appDir:        vfs.NormalizePath(appDir),
		logger:        orNop(logger),
	}
	p.candidates = []string{p.appDir}
	p.gate = p.internalGate
	return p
}

// ExternalOptions configures the external storage provider.
type ExternalOptions struct {
	AppDir        string
	ExternalRoots []string
	Permission    Permission
	BroadGrant    bool
	Hook          vfs.InteractiveAuthHook
	Logger        vfs.Logger
}

// NewExternalProvider serves the external storage roots plus the app-private
// directory. Paths outside the app directory need the storage permission.
func NewExternalProvider(fsys afero.Fs, opts ExternalOptions) *Provider {
	permission := opts.Permission
	if permission == nil {
		permission = AlwaysGranted{}
	}
	p := &Provider{
		fs:        fsys,
		authority: vfs.ExternalStorageAuthority,
		authenticator: NewStorageAuthenticator(vfs.ExternalStorageAuthority,
			permission, opts.BroadGrant, opts.Hook),
		appDir: vfs.NormalizePath(opts.AppDir),
		logger: orNop(opts.Logger),
	}
	for _, root := range opts.ExternalRoots {
		p.externalRoots = append(p.externalRoots, vfs.NormalizePath(root))
	}
	p.candidates = append(append([]string{}, p.externalRoots...), p.appDir)
	p.gate = func(path string) *vfs.Error {
		return p.externalGate(permission, path)
	}
	return p
}

func orNop(logger vfs.Logger) vfs.Logger {
	if logger == nil {
		return vfs.NewNopLogger()
	}
	return logger
}

func (p *Provider) internalGate(path string) *vfs.Error {
	if !vfs.IsWithin(p.appDir, path) {
		return vfs.NewError(vfs.KindFileAccessForbidden, "%s is outside the app directory", path)
	}
	return nil
}

func (p *Provider) externalGate(permission Permission, path string) *vfs.Error {
	if vfs.IsWithin(p.appDir, path) {
		return nil
	}
	if !permission.IsGranted() {
		return vfs.NewError(vfs.KindPermission, "storage permission not granted for %s", path)
	}
	for _, root := range p.externalRoots {
		if vfs.IsWithin(root, path) {
			return nil
		}
	}
	return vfs.NewError(vfs.KindFileAccessForbidden, "%s is outside the storage roots", path)
}

func (p *Provider) Authority() vfs.Authority { return p.authority }

func (p *Provider) Authenticator() vfs.Authenticator { return p.authenticator }

// isRoot reports whether path is the filesystem root, an external root or the app directory.
func (p *Provider) isRoot(path string) bool {
	if vfs.IsRootPath(path) || path == p.appDir {
		return true
	}
	for _, root := range p.externalRoots {
		if path == root {
			return true
		}
	}
	return false
}

func (p *Provider) describe(path string, info os.FileInfo) vfs.FileDescriptor {
	return vfs.FileDescriptor{
		Authority:   p.authority,
		Path:        path,
		UID:         path,
		Name:        vfs.BaseName(path),
		IsDirectory: info.IsDir(),
		IsRoot:      p.isRoot(path),
		Modified:    vfs.TimePtr(info.ModTime().UTC()),
	}
}

// check validates file against this provider and runs the gate on its path.
func (p *Provider) check(file vfs.FileDescriptor) (string, *vfs.Error) {
	if err := vfs.CheckAuthority(p.authority, file); err != nil {
		return "", err
	}
	path := vfs.NormalizePath(file.Path)
	if err := p.gate(path); err != nil {
		return "", err
	}
	return path, nil
}

func (p *Provider) ListFiles(ctx context.Context, dir vfs.FileDescriptor) vfs.Result[[]vfs.FileDescriptor] {
	if !dir.IsDirectory {
		return vfs.Fail[[]vfs.FileDescriptor](vfs.NewError(vfs.KindNotADirectory, "%s is not a directory", dir.Path))
	}
	path, verr := p.check(dir)
	if verr != nil {
		return vfs.Fail[[]vfs.FileDescriptor](verr)
	}
	if err := ctx.Err(); err != nil {
		return vfs.FailWith[[]vfs.FileDescriptor](err, vfs.KindGenericIO)
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
		files = append(files, p.describe(child, info))
	}
	p.logger.Debug("listed directory", "authority", p.authority.String(), "path", path, "count", len(files))
	return vfs.Ok(files)
}

func (p *Provider) GetParent(ctx context.Context, file vfs.FileDescriptor) vfs.Result[vfs.FileDescriptor] {
	path, verr := p.check(file)
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	parent, ok := vfs.ParentPath(path)
	if !ok || p.isRoot(path) {
		return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindFileNotFound, "%s has no parent", path))
	}
	if err := p.gate(parent); err != nil {
		return vfs.Fail[vfs.FileDescriptor](err)
	}
	info, verr := fs.Stat(p.fs, parent)
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	return vfs.Ok(p.describe(parent, info))
}

// GetRootFile returns the first existing root candidate the gate allows.
func (p *Provider) GetRootFile(ctx context.Context) vfs.Result[vfs.FileDescriptor] {
	for _, candidate := range p.candidates {
		if p.gate(candidate) != nil {
			continue
		}
		info, err := p.fs.Stat(candidate)
		if err != nil || !info.IsDir() {
			continue
		}
		return vfs.Ok(p.describe(candidate, info))
	}
	return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindFileNotFound,
		"no root directory available for %s", p.authority.Kind))
}

func (p *Provider) Exists(ctx context.Context, file vfs.FileDescriptor) vfs.Result[bool] {
	path, verr := p.check(file)
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

// GetFile resolves path. options only matter for network backends.
func (p *Provider) GetFile(ctx context.Context, path string, options vfs.FSOptions) vfs.Result[vfs.FileDescriptor] {
	path = vfs.NormalizePath(path)
	if err := p.gate(path); err != nil {
		return vfs.Fail[vfs.FileDescriptor](err)
	}
	info, verr := fs.Stat(p.fs, path)
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	return vfs.Ok(p.describe(path, info))
}

func (p *Provider) OpenForRead(ctx context.Context, file vfs.FileDescriptor, options vfs.FSOptions) vfs.Result[io.ReadCloser] {
	path, verr := p.check(file)
	if verr != nil {
		return vfs.Fail[io.ReadCloser](verr)
	}
	if err := ctx.Err(); err != nil {
		return vfs.FailWith[io.ReadCloser](err, vfs.KindGenericIO)
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
	p.logger.Debug("opened for read", "authority", p.authority.String(), "path", path)
	return vfs.Ok[io.ReadCloser](f)
}

// OpenForWrite replaces the file atomically when the returned stream is closed.
func (p *Provider) OpenForWrite(ctx context.Context, file vfs.FileDescriptor, options vfs.FSOptions) vfs.Result[io.WriteCloser] {
	if !options.WriteEnabled {
		return vfs.Fail[io.WriteCloser](vfs.NewError(vfs.KindWriteNotSupported, "write not enabled for %s", file.Path))
	}
	path, verr := p.check(file)
	if verr != nil {
		return vfs.Fail[io.WriteCloser](verr)
	}
	if err := ctx.Err(); err != nil {
		return vfs.FailWith[io.WriteCloser](err, vfs.KindGenericIO)
	}

	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	if info, err := p.fs.Stat(path); err == nil && info.IsDir() {
		return vfs.Fail[io.WriteCloser](vfs.NewError(vfs.KindGenericIO, "%s is a directory", path))
	}
	f, err := fs.CreateAtomic(p.fs, path)
	if err != nil {
		return vfs.Fail[io.WriteCloser](fs.ClassifyError(err, "create", path))
	}
	p.logger.Debug("opened for write", "authority", p.authority.String(), "path", path)
	return vfs.Ok[io.WriteCloser](&writeStream{file: f, path: path})
}

var _ vfs.Aborter = (*writeStream)(nil)

// writeStream reports commit failures in the error taxonomy.
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
