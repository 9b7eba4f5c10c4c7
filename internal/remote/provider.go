package remote

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"kpvault-go/internal/fs"
	"kpvault-go/internal/vfs"
)

// Options configures a Provider.
type Options struct {
	Authenticator vfs.Authenticator
	Factory       ClientFactory
	Cache         *FileCache
	Logger        vfs.Logger
}

// Provider is the FileSystemProvider of a network backend. Before every call
// it reconciles the authenticator's current credentials with the client it
// last built; without credentials it fails with AuthError and does no I/O.
type Provider struct {
	authenticator vfs.Authenticator
	factory       ClientFactory
	cache         *FileCache
	logger        vfs.Logger

	mu        sync.Mutex
	client    Client
	lastCreds vfs.Credentials
	uidLocks  map[string]*sync.Mutex

	progressMu sync.Mutex
	progress   map[string]vfs.SyncProgressStatus
}

var _ vfs.FileSystemProvider = (*Provider)(nil)

func NewProvider(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = vfs.NewNopLogger()
	}
	return &Provider{
		authenticator: opts.Authenticator,
		factory:       opts.Factory,
		cache:         opts.Cache,
		logger:        logger,
		uidLocks:      make(map[string]*sync.Mutex),
		progress:      make(map[string]vfs.SyncProgressStatus),
	}
}

func (p *Provider) Authority() vfs.Authority { return p.authenticator.Authority() }

func (p *Provider) Authenticator() vfs.Authenticator { return p.authenticator }

// Cache exposes the file cache, e.g. for watching its directory.
func (p *Provider) Cache() *FileCache { return p.cache }

// reconcile returns a client for the current credentials, rebuilding it when
// they changed since the last call.
func (p *Provider) reconcile() (Client, *vfs.Error) {
	authority := p.authenticator.Authority()
	creds := authority.Credentials
	if authority.Kind.UsesCredentials() && creds == nil {
		return nil, vfs.NewError(vfs.KindAuth, "no credentials for %s", authority)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.lastCreds == creds {
		return p.client, nil
	}
	client, err := p.factory(creds)
	if err != nil {
		return nil, vfs.WrapError(vfs.KindAuth, err, "building client for %s", authority)
	}
	if p.client != nil {
		p.logger.Info("credentials changed, client rebuilt", "authority", authority.String())
	}
	p.client = client
	p.lastCreds = creds
	return client, nil
}

func (p *Provider) lockUID(uid string) func() {
	p.mu.Lock()
	l, ok := p.uidLocks[uid]
	if !ok {
		l = &sync.Mutex{}
		p.uidLocks[uid] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (p *Provider) setProgress(uid string, status vfs.SyncProgressStatus) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	if status == vfs.ProgressIdle {
		delete(p.progress, uid)
		return
	}
	p.progress[uid] = status
}

func (p *Provider) progressOf(uid string) vfs.SyncProgressStatus {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	return p.progress[uid]
}

func (p *Provider) rootDescriptor() vfs.FileDescriptor {
	return vfs.FileDescriptor{
		Authority:   p.Authority(),
		Path:        "/",
		UID:         "/",
		Name:        "/",
		IsDirectory: true,
		IsRoot:      true,
	}
}

func (p *Provider) describe(meta vfs.RemoteFileMetadata) vfs.FileDescriptor {
	filePath := vfs.NormalizePath(meta.Path)
	uid := filePath
	if meta.UID != "" {
		uid = vfs.NormalizePath(meta.UID)
	}
	return vfs.FileDescriptor{
		Authority:   p.Authority(),
		Path:        filePath,
		UID:         uid,
		Name:        vfs.BaseName(filePath),
		IsDirectory: meta.IsDirectory,
		IsRoot:      vfs.IsRootPath(filePath),
		Modified:    vfs.TimePtr(remoteModified(meta)),
	}
}

func (p *Provider) describeCached(uid string, rec *vfs.SyncRecord, info os.FileInfo) vfs.FileDescriptor {
	filePath := uid
	if rec != nil && rec.Path != "" {
		filePath = rec.Path
	}
	d := vfs.FileDescriptor{
		Authority: p.Authority(),
		Path:      filePath,
		UID:       uid,
		Name:      vfs.BaseName(filePath),
	}
	if info != nil {
		d.Modified = vfs.TimePtr(info.ModTime().UTC())
	}
	return d
}

// uidOf returns the normalized identity of file. UIDs are paths on every
// remote backend.
func uidOf(file vfs.FileDescriptor) string {
	if file.UID != "" {
		return vfs.NormalizePath(file.UID)
	}
	return vfs.NormalizePath(file.Path)
}

func (p *Provider) ListFiles(ctx context.Context, dir vfs.FileDescriptor) vfs.Result[[]vfs.FileDescriptor] {
	client, verr := p.reconcile()
	if verr != nil {
		return vfs.Fail[[]vfs.FileDescriptor](verr)
	}
	if !dir.IsDirectory {
		return vfs.Fail[[]vfs.FileDescriptor](vfs.NewError(vfs.KindNotADirectory, "%s is not a directory", dir.Path))
	}
	if verr := vfs.CheckAuthority(p.Authority(), dir); verr != nil {
		return vfs.Fail[[]vfs.FileDescriptor](verr)
	}

	dirPath := vfs.NormalizePath(dir.Path)
	entries, err := client.List(ctx, dirPath)
	if err != nil {
		return vfs.Fail[[]vfs.FileDescriptor](classify(err))
	}
	files := make([]vfs.FileDescriptor, 0, len(entries))
	for _, e := range entries {
		if vfs.NormalizePath(e.Path) == dirPath {
			continue
		}
		files = append(files, p.describe(e))
	}
	p.logger.Debug("listed remote directory", "authority", p.Authority().String(), "path", dirPath, "count", len(files))
	return vfs.Ok(files)
}

// GetParent lists the grandparent and picks the parent from it.
func (p *Provider) GetParent(ctx context.Context, file vfs.FileDescriptor) vfs.Result[vfs.FileDescriptor] {
	client, verr := p.reconcile()
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	filePath := vfs.NormalizePath(file.Path)
	parent, ok := vfs.ParentPath(filePath)
	if !ok {
		return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindFileNotFound, "%s has no parent", filePath))
	}
	if vfs.IsRootPath(parent) {
		return vfs.Ok(p.rootDescriptor())
	}

	grandparent, _ := vfs.ParentPath(parent)
	entries, err := client.List(ctx, grandparent)
	if err != nil {
		return vfs.Fail[vfs.FileDescriptor](classify(err))
	}
	for _, e := range entries {
		if vfs.NormalizePath(e.Path) == parent {
			return vfs.Ok(p.describe(e))
		}
	}
	return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindFileNotFound, "parent of %s not found", filePath))
}

func (p *Provider) GetRootFile(ctx context.Context) vfs.Result[vfs.FileDescriptor] {
	if _, verr := p.reconcile(); verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	return vfs.Ok(p.rootDescriptor())
}

func (p *Provider) Exists(ctx context.Context, file vfs.FileDescriptor) vfs.Result[bool] {
	client, verr := p.reconcile()
	if verr != nil {
		return vfs.Fail[bool](verr)
	}
	if verr := vfs.CheckAuthority(p.Authority(), file); verr != nil {
		return vfs.Fail[bool](verr)
	}
	if _, err := client.Stat(ctx, vfs.NormalizePath(file.Path)); err != nil {
		verr := classify(err)
		if verr.Kind == vfs.KindFileNotFound {
			return vfs.Ok(false)
		}
		return vfs.Fail[bool](verr)
	}
	return vfs.Ok(true)
}

// GetFile stats path remotely. With CacheEnabled a sync-related failure falls
// back to the cached copy as a Deferred result.
func (p *Provider) GetFile(ctx context.Context, path string, options vfs.FSOptions) vfs.Result[vfs.FileDescriptor] {
	client, verr := p.reconcile()
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	path = vfs.NormalizePath(path)
	meta, err := client.Stat(ctx, path)
	if err == nil {
		return vfs.Ok(p.describe(meta))
	}
	verr = classify(err)
	if options.CacheEnabled && verr.Kind.IsSyncRelated() {
		if d, ok := p.cachedFile(ctx, path); ok {
			p.logger.Warn("remote unavailable, using cached file", "path", path, "error", verr)
			return vfs.Defer(d, verr)
		}
	}
	return vfs.Fail[vfs.FileDescriptor](verr)
}

func (p *Provider) cachedFile(ctx context.Context, uid string) (vfs.FileDescriptor, bool) {
	info, ok, err := p.cache.Stat(uid)
	if err != nil || !ok {
		return vfs.FileDescriptor{}, false
	}
	rec, err := p.cache.Record(ctx, uid)
	if err != nil {
		return vfs.FileDescriptor{}, false
	}
	return p.describeCached(uid, rec, info), true
}

// OpenForRead serves the cached copy, refreshing it first when only the remote
// changed. Without CacheEnabled the file is downloaded into memory.
func (p *Provider) OpenForRead(ctx context.Context, file vfs.FileDescriptor, options vfs.FSOptions) vfs.Result[io.ReadCloser] {
	client, verr := p.reconcile()
	if verr != nil {
		return vfs.Fail[io.ReadCloser](verr)
	}
	if verr := vfs.CheckAuthority(p.Authority(), file); verr != nil {
		return vfs.Fail[io.ReadCloser](verr)
	}
	if file.IsDirectory {
		return vfs.Fail[io.ReadCloser](vfs.NewError(vfs.KindGenericIO, "%s is a directory", file.Path))
	}
	uid := uidOf(file)

	if !options.CacheEnabled {
		var buf bytes.Buffer
		if _, err := client.Download(ctx, uid, &buf); err != nil {
			return vfs.Fail[io.ReadCloser](classify(err))
		}
		return vfs.Ok[io.ReadCloser](io.NopCloser(&buf))
	}

	unlock := p.lockUID(uid)
	defer unlock()

	ins, verr := p.inspect(ctx, client, uid)
	if verr != nil {
		return vfs.Fail[io.ReadCloser](verr)
	}

	var deferred *vfs.Error
	switch ins.status {
	case vfs.SyncRemoteChanges:
		if _, verr := p.pull(ctx, client, uid, file.Path); verr != nil {
			if ins.local == nil {
				return vfs.Fail[io.ReadCloser](verr)
			}
			deferred = verr
		}
	case vfs.SyncConflict:
		deferred = vfs.NewError(vfs.KindSyncConflict, "%s changed locally and remotely", uid)
	case vfs.SyncNoNetwork, vfs.SyncLocalChangesNoNetwork, vfs.SyncError:
		if ins.local == nil {
			return vfs.Fail[io.ReadCloser](ins.err)
		}
		deferred = ins.err
	}

	f, err := p.cache.Open(uid)
	if err != nil {
		return vfs.Fail[io.ReadCloser](fs.ClassifyError(err, "open cached", uid))
	}
	if deferred != nil {
		p.logger.Warn("serving cached copy", "path", uid, "error", deferred)
		return vfs.Defer[io.ReadCloser](f, deferred)
	}
	return vfs.Ok[io.ReadCloser](f)
}

// OpenForWrite writes into the cache. Closing the stream commits the content
// locally and, unless PostponedSyncEnabled, uploads it. An upload refused
// because the remote moved on fails with SyncConflict; the content stays in
// the cache as a local change either way.
func (p *Provider) OpenForWrite(ctx context.Context, file vfs.FileDescriptor, options vfs.FSOptions) vfs.Result[io.WriteCloser] {
	if !options.WriteEnabled {
		return vfs.Fail[io.WriteCloser](vfs.NewError(vfs.KindWriteNotSupported, "write not enabled for %s", file.Path))
	}
	if _, verr := p.reconcile(); verr != nil {
		return vfs.Fail[io.WriteCloser](verr)
	}
	if verr := vfs.CheckAuthority(p.Authority(), file); verr != nil {
		return vfs.Fail[io.WriteCloser](verr)
	}
	if file.IsDirectory {
		return vfs.Fail[io.WriteCloser](vfs.NewError(vfs.KindGenericIO, "%s is a directory", file.Path))
	}
	uid := uidOf(file)
	filePath := vfs.NormalizePath(file.Path)

	f, err := p.cache.Create(uid)
	if err != nil {
		return vfs.Fail[io.WriteCloser](fs.ClassifyError(err, "create cached", uid))
	}
	if !options.PostponedSyncEnabled {
		f.OnCommit(func() error {
			unlock := p.lockUID(uid)
			defer unlock()
			if _, verr := p.push(ctx, uid, filePath, false); verr != nil {
				return verr
			}
			return nil
		})
	}
	return vfs.Ok[io.WriteCloser](&writeStream{file: f, uid: uid})
}

var _ vfs.Aborter = (*writeStream)(nil)

type writeStream struct {
	file *fs.AtomicFile
	uid  string
}

func (w *writeStream) Write(b []byte) (int, error) {
	n, err := w.file.Write(b)
	if err != nil {
		return n, fs.ClassifyError(err, "write cached", w.uid)
	}
	return n, nil
}

func (w *writeStream) Close() error {
	if err := w.file.Close(); err != nil {
		return fs.ClassifyError(err, "commit cached", w.uid)
	}
	return nil
}

// Abort drops the temp file. Nothing is committed and no upload is queued.
func (w *writeStream) Abort() {
	w.file.Abort()
}
