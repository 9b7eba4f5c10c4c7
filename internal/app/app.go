package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"kpvault-go/internal/config"
	"kpvault-go/internal/credentials"
	"kpvault-go/internal/database"
	"kpvault-go/internal/encryption"
	"kpvault-go/internal/fake"
	"kpvault-go/internal/fs"
	"kpvault-go/internal/gitfs"
	"kpvault-go/internal/local"
	"kpvault-go/internal/metrics"
	"kpvault-go/internal/registry"
	"kpvault-go/internal/remote"
	"kpvault-go/internal/s3fs"
	"kpvault-go/internal/tree"
	"kpvault-go/internal/vfs"
	"kpvault-go/internal/watch"
	"kpvault-go/internal/webdav"
)

// Names of the device-local backends. Configured backends use their own names.
const (
	InternalBackend = "internal"
	ExternalBackend = "external"
	TreeBackend     = "tree"
)

// IgnoreFile, in the base directory, lists patterns of paths whose changes
// never trigger a background sync.
const IgnoreFile = ".kpvaultignore"

// Options configures NewApp.
type Options struct {
	// Operation identifies the CLI command being run (e.g. "Read", "Sync").
	Operation string
	// Passphrase unlocks stored credentials. Empty leaves them locked, so
	// backends that need credentials fail with AuthError.
	Passphrase string
	// ConfigPath is where a storage grant is persisted. Empty keeps it in memory.
	ConfigPath string
	// Hook runs interactive grants for the external and tree backends.
	Hook    vfs.InteractiveAuthHook
	Verbose bool

	// Fs, Clock and Logger default to the OS filesystem, the real clock and
	// a logger writing to cfg.LogDir.
	Fs     afero.Fs
	Clock  vfs.Clock
	Logger vfs.Logger
}

// App is the application layer between the CLI and the storage backends.
// It constructs every backend from config, exposes operations that accept
// location strings, and closes the ledger on Close.
type App struct {
	cfg        *config.Config
	opts       Options
	fs         afero.Fs
	db         *database.SQLiteDatabase
	creds      *credentials.Store
	resolver   *registry.Resolver
	names      map[string]vfs.Authority
	order      []string
	tree       *tree.Provider
	permission *storagePermission
	metrics    *metrics.Metrics
	durations  config.Durations
	strategy   vfs.SyncStrategy
	clock      vfs.Clock
	logger     vfs.Logger
	op         *Operation
	logFile    *os.File
	authDone   chan vfs.Authority
}

// NewApp creates a fully wired App from the given config.
// The caller must call Close when done.
func NewApp(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	durations, err := cfg.Sync.Durations()
	if err != nil {
		return nil, err
	}

	clock := opts.Clock
	if clock == nil {
		clock = vfs.RealClock{}
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	op := NewOperation(opts.Operation, clock.Now())

	a := &App{
		cfg:       cfg,
		opts:      opts,
		fs:        fsys,
		names:     make(map[string]vfs.Authority),
		metrics:   metrics.New(),
		durations: durations,
		strategy:  syncStrategy(cfg.Sync.Strategy),
		clock:     clock,
		logger:    opts.Logger,
		op:        op,
		authDone:  make(chan vfs.Authority, 1),
	}
	if a.logger == nil {
		logger, logFile, err := newLogger(cfg.LogDir, op.ID, opts.Verbose)
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
		a.logger = &slogAdapter{l: logger}
		a.logFile = logFile
	}

	a.db, err = database.NewDatabaseFromConfig(cfg.Database, clock, vfs.UUIDGenerator{})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(fsys, cfg.Encryption)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	a.creds = credentials.NewStore(a.db, enc)
	if opts.Passphrase != "" {
		if err := a.creds.Unlock(opts.Passphrase); err != nil {
			a.Close()
			return nil, err
		}
	}

	if err := a.build(context.Background()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func syncStrategy(name string) vfs.SyncStrategy {
	if name == "newest" {
		return vfs.LastModificationWins
	}
	return vfs.ResolveConflictsManually
}

// build registers the local backends followed by the configured ones.
func (a *App) build(ctx context.Context) error {
	b := registry.NewBuilder()
	hook := vfs.InteractiveAuthFunc(a.startInteractiveAuth)

	internal := local.NewInternalProvider(a.fs, a.cfg.Storage.AppDir, a.logger)
	a.register(b, InternalBackend, internal, local.NewSyncProcessor(internal))

	a.permission = &storagePermission{cfg: a.cfg, path: a.opts.ConfigPath}
	external := local.NewExternalProvider(a.fs, local.ExternalOptions{
		AppDir:        a.cfg.Storage.AppDir,
		ExternalRoots: a.cfg.Storage.ExternalRoots,
		Permission:    a.permission,
		BroadGrant:    a.cfg.Storage.BroadGrant,
		Hook:          hook,
		Logger:        a.logger,
	})
	a.register(b, ExternalBackend, external, local.NewSyncProcessor(external))

	a.tree = tree.NewProvider(a.fs, a.db, hook, a.logger)
	a.register(b, TreeBackend, a.tree, tree.NewSyncProcessor(a.tree))

	for _, bc := range a.cfg.Backends {
		provider, sp, err := a.newBackend(ctx, bc)
		if err != nil {
			return fmt.Errorf("backend %q: %w", bc.Name, err)
		}
		a.register(b, bc.Name, provider, sp)
	}
	a.resolver = b.Build()
	return nil
}

func (a *App) register(b *registry.Builder, name string, provider vfs.FileSystemProvider, sp vfs.SyncProcessor) {
	authority := provider.Authority()
	a.names[name] = authority
	a.order = append(a.order, name)
	b.Add(authority,
		metrics.InstrumentProvider(provider, a.metrics),
		metrics.InstrumentSyncProcessor(sp, authority.Kind, a.metrics))
}

// backendAuthority returns the authority of a configured backend and the
// purpose its credentials are stored under. Only credentials that contain no
// secret come from the config.
func backendAuthority(bc config.BackendConfig) (vfs.Authority, string) {
	switch bc.Type {
	case "webdav":
		return vfs.Authority{Kind: vfs.WebDAV, Browsable: true, Instance: bc.Name}, webdav.Purpose
	case "git":
		authority := vfs.Authority{Kind: vfs.Git, Browsable: true, Instance: bc.Name}
		if !bc.SecretURL {
			authority.Credentials = vfs.GitCredentials{URL: bc.URL, Salt: bc.Salt}
		}
		return authority, gitfs.Purpose
	case "s3":
		return vfs.Authority{Kind: vfs.S3, Browsable: true, Instance: bc.Name}, s3fs.Purpose
	}
	return fake.Authority(bc.Name), ""
}

func s3Location(bc config.BackendConfig) s3fs.Location {
	return s3fs.Location{
		Bucket:   bc.S3Bucket,
		Prefix:   bc.S3Prefix,
		Region:   bc.S3Region,
		Endpoint: bc.S3Endpoint,
	}
}

func (a *App) newBackend(ctx context.Context, bc config.BackendConfig) (*remote.Provider, *remote.SyncProcessor, error) {
	authority, purpose := backendAuthority(bc)
	authority, err := a.creds.Load(ctx, authority, purpose)
	switch {
	case errors.Is(err, credentials.ErrLocked):
		a.logger.Debug("credentials locked", "backend", bc.Name)
	case err != nil:
		return nil, nil, err
	}
	cache := remote.NewFileCache(a.fs, a.cfg.CacheDir, authority.Key(), a.db, a.clock)

	switch bc.Type {
	case "webdav":
		p, sp := webdav.NewBackend(webdav.Options{
			Authority:   authority,
			Credentials: a.creds,
			Cache:       cache,
			Timeout:     a.durations.Timeout,
			Logger:      a.logger,
		})
		return p, sp, nil
	case "git":
		p, sp := gitfs.NewBackend(gitfs.BackendOptions{
			Authority:   authority,
			Credentials: a.creds,
			Cache:       cache,
			Client: gitfs.Options{
				CloneDir:    filepath.Join(a.cfg.BaseDir, "git"),
				Branch:      bc.Branch,
				AuthorName:  bc.AuthorName,
				AuthorEmail: bc.AuthorEmail,
				Clock:       a.clock,
			},
			Logger: a.logger,
		})
		return p, sp, nil
	case "s3":
		p, sp := s3fs.NewBackend(s3fs.BackendOptions{
			Authority:   authority,
			Credentials: a.creds,
			Cache:       cache,
			Client: s3fs.Options{
				MaxAttempts: 3,
				HTTPClient:  &http.Client{Timeout: a.durations.Timeout},
			},
			Logger: a.logger,
		})
		return p, sp, nil
	case "fake":
		p, sp := fake.NewBackend(authority, fake.NewStore(a.clock), cache, a.logger)
		return p, sp, nil
	}
	return nil, nil, fmt.Errorf("unknown backend type %q", bc.Type)
}

// startInteractiveAuth runs the caller's hook and then reports that the
// interactive step finished, so Authenticate can wait for it.
func (a *App) startInteractiveAuth(ctx context.Context, authority vfs.Authority) {
	if a.opts.Hook != nil {
		a.opts.Hook.StartInteractiveAuth(ctx, authority)
	}
	select {
	case a.authDone <- authority:
	default:
	}
}

// BackendInfo describes one registered backend.
type BackendInfo struct {
	Name         string
	Authority    vfs.Authority
	AuthType     vfs.AuthType
	AuthRequired bool
}

// Backends lists the registered backends in registration order.
func (a *App) Backends() []BackendInfo {
	infos := make([]BackendInfo, 0, len(a.order))
	for _, name := range a.order {
		p, _, _ := a.resolver.Find(a.names[name])
		auth := p.Authenticator()
		infos = append(infos, BackendInfo{
			Name:         name,
			Authority:    p.Authority(),
			AuthType:     auth.AuthType(),
			AuthRequired: auth.IsAuthenticationRequired(),
		})
	}
	return infos
}

// Metrics returns the collectors every backend reports to.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// ParseLocation splits "name:/path" into a backend name and a path. A
// location without a backend name is a path on external storage.
func ParseLocation(location string) (name, path string) {
	if n, p, ok := strings.Cut(location, ":"); ok && n != "" && !strings.ContainsAny(n, `/\.`) {
		return n, p
	}
	return ExternalBackend, location
}

func (a *App) backend(name string) (vfs.FileSystemProvider, vfs.SyncProcessor, error) {
	authority, ok := a.names[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown backend %q", name)
	}
	p, sp, ok := a.resolver.Find(authority)
	if !ok {
		return nil, nil, fmt.Errorf("backend %q is not registered", name)
	}
	return p, sp, nil
}

// locate resolves location to its backend and a path on it. Local paths are
// made absolute.
func (a *App) locate(location string) (vfs.FileSystemProvider, vfs.SyncProcessor, string, error) {
	name, path := ParseLocation(location)
	p, sp, err := a.backend(name)
	if err != nil {
		return nil, nil, "", err
	}
	if !p.Authority().Kind.IsRemote() && path != "" {
		if path, err = filepath.Abs(path); err != nil {
			return nil, nil, "", fmt.Errorf("resolving path: %w", err)
		}
	}
	return p, sp, path, nil
}

func (a *App) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.durations.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.durations.Timeout)
}

// fileAt returns the descriptor at path, or the backend root when path is empty.
func fileAt(ctx context.Context, p vfs.FileSystemProvider, path string, options vfs.FSOptions) vfs.Result[vfs.FileDescriptor] {
	if path == "" {
		return p.GetRootFile(ctx)
	}
	return p.GetFile(ctx, path, options)
}

// describe is fileAt with a fallback to the sync processor's cached copy, so
// sync operations work while the remote is unreachable.
func describe(ctx context.Context, p vfs.FileSystemProvider, sp vfs.SyncProcessor, path string) (vfs.FileDescriptor, error) {
	res := fileAt(ctx, p, path, vfs.ReadOptions())
	if !res.IsError() {
		return res.Value(), nil
	}
	if path != "" {
		if d, ok := sp.CachedFile(ctx, vfs.NormalizePath(path)); ok {
			return d, nil
		}
	}
	return vfs.FileDescriptor{}, res.Err()
}

// List returns the children of the directory at location, directories first.
// A location naming a file lists that file. A Deferred result holds cached
// entries served while the remote was unreachable.
func (a *App) List(ctx context.Context, location string) vfs.Result[[]vfs.FileDescriptor] {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	p, _, path, err := a.locate(location)
	if err != nil {
		return vfs.FailWith[[]vfs.FileDescriptor](a.op.Fail(err), vfs.KindIncorrectUse)
	}
	dir := fileAt(ctx, p, path, vfs.ReadOptions())
	if dir.IsError() {
		a.op.Fail(dir.Err())
		return vfs.FailFrom[[]vfs.FileDescriptor](dir)
	}
	if !dir.Value().IsDirectory {
		return vfs.Map(dir, func(f vfs.FileDescriptor) []vfs.FileDescriptor {
			return []vfs.FileDescriptor{f}
		})
	}

	files := p.ListFiles(ctx, dir.Value())
	if files.IsError() {
		a.op.Fail(files.Err())
		return files
	}
	entries := files.Value()
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return entries[i].Name < entries[j].Name
	})
	switch {
	case files.IsDeferred():
		return vfs.Defer(entries, files.Err())
	case dir.IsDeferred():
		return vfs.Defer(entries, dir.Err())
	}
	return vfs.Ok(entries)
}

// Read copies the file at location to w and records it in the used-file
// ledger. keyFile, when not empty, is the location of the key file that
// unlocks it. A Deferred result means a cached copy was served.
func (a *App) Read(ctx context.Context, location string, w io.Writer, keyFile string) vfs.Result[vfs.FileDescriptor] {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	p, _, path, err := a.locate(location)
	if err != nil {
		return vfs.FailWith[vfs.FileDescriptor](a.op.Fail(err), vfs.KindIncorrectUse)
	}
	file := fileAt(ctx, p, path, vfs.ReadOptions())
	if file.IsError() {
		a.op.Fail(file.Err())
		return file
	}
	desc := file.Value()
	if desc.IsDirectory {
		return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindGenericIO, "%s is a directory", desc.Path))
	}

	stream := p.OpenForRead(ctx, desc, vfs.ReadOptions())
	if stream.IsError() {
		a.op.Fail(stream.Err())
		return vfs.FailFrom[vfs.FileDescriptor](stream)
	}
	rc := stream.Value()
	_, copyErr := io.Copy(w, rc)
	closeErr := rc.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		a.op.Fail(err)
		return vfs.FailWith[vfs.FileDescriptor](err, vfs.KindGenericIO)
	}

	if err := a.recordOpen(ctx, desc, keyFile); err != nil {
		a.logger.Warn("recording used file", "path", desc.Path, "error", err)
	}
	switch {
	case stream.IsDeferred():
		return vfs.Defer(desc, stream.Err())
	case file.IsDeferred():
		return vfs.Defer(desc, file.Err())
	}
	return vfs.Ok(desc)
}

func (a *App) recordOpen(ctx context.Context, file vfs.FileDescriptor, keyFile string) error {
	entry := vfs.UsedFileEntry{
		Authority: file.Authority.Ref(),
		FilePath:  file.Path,
		FileUID:   file.UID,
		FileName:  file.Name,
		KeyType:   vfs.KeyTypePassword,
	}
	if keyFile != "" {
		p, _, path, err := a.locate(keyFile)
		if err != nil {
			return err
		}
		kf, err := p.GetFile(ctx, path, vfs.ReadOptions()).Get()
		if err != nil {
			return fmt.Errorf("key file: %w", err)
		}
		entry.KeyType = vfs.KeyTypePasswordKeyFile
		entry.KeyFile = &vfs.KeyFileRef{
			Authority: kf.Authority.Ref(),
			Path:      kf.Path,
			UID:       kf.UID,
			Name:      kf.Name,
		}
	}
	_, err := a.db.RecordOpen(ctx, entry)
	return err
}

// Write replaces the file at location with the content of r, creating it if
// needed. With postpone, a remote upload that fails for lack of network is
// kept locally for a later sync.
func (a *App) Write(ctx context.Context, location string, r io.Reader, postpone bool) vfs.Result[vfs.FileDescriptor] {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	p, _, path, err := a.locate(location)
	if err != nil {
		return vfs.FailWith[vfs.FileDescriptor](a.op.Fail(err), vfs.KindIncorrectUse)
	}
	if path == "" {
		return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindIncorrectUse, "write needs a file path"))
	}
	options := vfs.WriteOptions()
	options.PostponedSyncEnabled = postpone

	var desc vfs.FileDescriptor
	existing := p.GetFile(ctx, path, options)
	switch {
	case existing.IsError() && existing.Err().Kind == vfs.KindFileNotFound:
		normalized := vfs.NormalizePath(path)
		desc = vfs.FileDescriptor{
			Authority: p.Authority(),
			Path:      normalized,
			UID:       normalized,
			Name:      vfs.BaseName(normalized),
		}
	case existing.IsError():
		a.op.Fail(existing.Err())
		return existing
	default:
		desc = existing.Value()
	}

	stream := p.OpenForWrite(ctx, desc, options)
	if stream.IsError() {
		a.op.Fail(stream.Err())
		return vfs.FailFrom[vfs.FileDescriptor](stream)
	}
	wc := stream.Value()
	_, copyErr := io.Copy(wc, remote.ContextReader(ctx, r))
	if copyErr == nil {
		copyErr = ctx.Err()
	}
	if copyErr != nil {
		// An incomplete copy must never replace the stored file.
		vfs.AbortOrClose(wc)
		a.op.Fail(copyErr)
		a.logger.Warn("write aborted", "location", location, "error", copyErr)
		return vfs.FailWith[vfs.FileDescriptor](copyErr, vfs.KindGenericIO)
	}
	if err := wc.Close(); err != nil {
		a.op.Fail(err)
		return vfs.FailWith[vfs.FileDescriptor](err, vfs.KindGenericIO)
	}

	a.logger.Info("file written", "location", location, "postponed", postpone)
	if written := p.GetFile(ctx, path, vfs.ReadOptions()); !written.IsError() {
		return vfs.Ok(written.Value())
	}
	return vfs.Ok(desc)
}

// Status returns the sync state of the file at location.
func (a *App) Status(ctx context.Context, location string) (vfs.FileDescriptor, vfs.SyncState, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	p, sp, path, err := a.locate(location)
	if err != nil {
		return vfs.FileDescriptor{}, vfs.SyncState{}, a.op.Fail(err)
	}
	file, err := describe(ctx, p, sp, path)
	if err != nil {
		return vfs.FileDescriptor{}, vfs.SyncState{}, a.op.Fail(err)
	}
	return file, vfs.StateOf(ctx, sp, file.UID), nil
}

// FileState is the sync state of one used file.
type FileState struct {
	Entry *vfs.UsedFileEntry
	State vfs.SyncState
	// Available is false when no configured backend serves the entry.
	Available bool
}

// StatusAll returns the sync state of every used file, most recent first.
func (a *App) StatusAll(ctx context.Context) ([]FileState, error) {
	entries, err := a.db.ListUsedFiles(ctx)
	if err != nil {
		return nil, a.op.Fail(fmt.Errorf("listing used files: %w", err))
	}
	states := make([]FileState, 0, len(entries))
	for _, entry := range entries {
		st := FileState{Entry: entry, State: vfs.DefaultSyncState()}
		if _, sp, ok := a.resolver.FindByRef(entry.Authority); ok {
			st.Available = true
			opCtx, cancel := a.withTimeout(ctx)
			st.State = vfs.StateOf(opCtx, sp, entry.FileUID)
			cancel()
		}
		states = append(states, st)
	}
	return states, nil
}

// Conflict returns both sides of a conflicted file.
func (a *App) Conflict(ctx context.Context, location string) (vfs.SyncConflictInfo, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	p, sp, path, err := a.locate(location)
	if err != nil {
		return vfs.SyncConflictInfo{}, a.op.Fail(err)
	}
	file, err := describe(ctx, p, sp, path)
	if err != nil {
		return vfs.SyncConflictInfo{}, a.op.Fail(err)
	}
	info, err := sp.ConflictInfo(ctx, file.UID).Get()
	return info, a.op.Fail(err)
}

// Sync runs one sync pass for the file at location. resolution picks a side
// of a conflict; vfs.NoResolution leaves conflicts to the configured strategy.
func (a *App) Sync(ctx context.Context, location string, resolution vfs.ConflictResolutionStrategy) vfs.Result[vfs.FileDescriptor] {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	p, sp, path, err := a.locate(location)
	if err != nil {
		return vfs.FailWith[vfs.FileDescriptor](a.op.Fail(err), vfs.KindIncorrectUse)
	}
	file, err := describe(ctx, p, sp, path)
	if err != nil {
		return vfs.FailWith[vfs.FileDescriptor](a.op.Fail(err), vfs.KindUnknown)
	}
	res := sp.Resolve(ctx, file, a.strategy, resolution)
	if res.IsError() {
		a.op.Fail(res.Err())
	}
	a.logger.Info("sync", "location", location, "resolution", resolution.String(), "outcome", res.Kind().String())
	return res
}

// SyncAll runs one background-style pass over every used file.
func (a *App) SyncAll(ctx context.Context) ([]watch.Outcome, error) {
	outcomes, err := a.scheduler(nil).SyncOnce(ctx)
	return outcomes, a.op.Fail(err)
}

// Recent lists used files, most recently accessed first.
func (a *App) Recent(ctx context.Context) ([]*vfs.UsedFileEntry, error) {
	entries, err := a.db.ListUsedFiles(ctx)
	if err != nil {
		return nil, a.op.Fail(fmt.Errorf("listing used files: %w", err))
	}
	return entries, nil
}

// Forget removes the used-file entries at location. It reports whether any existed.
func (a *App) Forget(ctx context.Context, location string) (bool, error) {
	name, _ := ParseLocation(location)
	authority, ok := a.names[name]
	if !ok {
		return false, a.op.Fail(fmt.Errorf("unknown backend %q", name))
	}
	_, _, path, err := a.locate(location)
	if err != nil {
		return false, a.op.Fail(err)
	}
	entries, err := a.db.ListUsedFiles(ctx)
	if err != nil {
		return false, a.op.Fail(fmt.Errorf("listing used files: %w", err))
	}
	removed := false
	for _, e := range entries {
		if e.Authority.Key != authority.Key() || e.FilePath != vfs.NormalizePath(path) {
			continue
		}
		if err := a.db.RemoveUsedFile(ctx, e.Authority, e.FileUID); err != nil {
			return removed, a.op.Fail(fmt.Errorf("removing used file: %w", err))
		}
		removed = true
	}
	return removed, nil
}

// LoginInput is what the user enters for a credential-backed backend.
type LoginInput struct {
	// Username overrides the configured username or access key id.
	Username string
	// Secret is the password, the S3 secret key, or the URL of a Git backend
	// configured with secret_url.
	Secret string
}

// Login builds credentials for the configured backend name and stores them.
func (a *App) Login(ctx context.Context, name string, in LoginInput) error {
	bc, ok := a.cfg.FindBackend(name)
	if !ok {
		return a.op.Fail(fmt.Errorf("unknown backend %q", name))
	}
	p, _, err := a.backend(name)
	if err != nil {
		return a.op.Fail(err)
	}
	username := in.Username
	if username == "" {
		username = bc.Username
	}

	var creds vfs.Credentials
	switch bc.Type {
	case "webdav":
		creds = vfs.BasicCredentials{URL: bc.URL, Username: username, Password: in.Secret}
	case "s3":
		creds = vfs.BasicCredentials{URL: s3Location(*bc).String(), Username: username, Password: in.Secret}
	case "git":
		url := bc.URL
		if bc.SecretURL {
			url = in.Secret
		}
		creds = vfs.GitCredentials{URL: url, IsSecretURL: bc.SecretURL, Salt: bc.Salt}
	default:
		return a.op.Fail(p.Authenticator().SetCredentials(nil))
	}
	if err := p.Authenticator().SetCredentials(creds); err != nil {
		return a.op.Fail(err)
	}
	a.logger.Info("credentials stored", "backend", name)
	return nil
}

// Logout clears the stored credentials of backend name.
func (a *App) Logout(ctx context.Context, name string) error {
	p, _, err := a.backend(name)
	if err != nil {
		return a.op.Fail(err)
	}
	return a.op.Fail(p.Authenticator().SetCredentials(nil))
}

// Authenticate runs the grant flow of a device-local backend: the system
// permission for external storage, or the interactive hook. It waits for
// the hook to finish and fails when access is still missing.
func (a *App) Authenticate(ctx context.Context, name string) error {
	p, _, err := a.backend(name)
	if err != nil {
		return a.op.Fail(err)
	}
	auth := p.Authenticator()
	switch auth.AuthType() {
	case vfs.AuthNone:
		return nil
	case vfs.AuthCredentials:
		if auth.IsAuthenticationRequired() {
			return a.op.Fail(fmt.Errorf("backend %q needs credentials, run login", name))
		}
		return nil
	case vfs.AuthSystemPermission:
		return a.op.Fail(a.permission.Grant())
	}

	select {
	case <-a.authDone:
	default:
	}
	if err := auth.StartInteractiveAuth(ctx); err != nil {
		return a.op.Fail(err)
	}
	select {
	case <-a.authDone:
	case <-ctx.Done():
		return a.op.Fail(ctx.Err())
	}
	if auth.IsAuthenticationRequired() {
		return a.op.Fail(fmt.Errorf("access to %s was not granted", name))
	}
	return nil
}

// GrantStorage records the external storage grant.
func (a *App) GrantStorage() error {
	return a.op.Fail(a.permission.Grant())
}

// GrantTree grants access to the directory tree at root.
func (a *App) GrantTree(ctx context.Context, root, name string) vfs.Result[vfs.FileDescriptor] {
	abs, err := filepath.Abs(root)
	if err != nil {
		return vfs.FailWith[vfs.FileDescriptor](a.op.Fail(err), vfs.KindIncorrectUse)
	}
	res := a.tree.Grant(ctx, abs, name)
	if res.IsError() {
		a.op.Fail(res.Err())
	}
	return res
}

// TreeGrants lists the granted trees, oldest first.
func (a *App) TreeGrants(ctx context.Context) ([]*vfs.TreeGrant, error) {
	grants, verr := a.tree.Grants(ctx)
	if verr != nil {
		return nil, a.op.Fail(verr)
	}
	return grants, nil
}

// RevokeTree removes the tree grant id.
func (a *App) RevokeTree(ctx context.Context, id string) error {
	return a.op.Fail(a.tree.Revoke(ctx, id))
}

func (a *App) scheduler(onPass func([]watch.Outcome)) *watch.Scheduler {
	jitter := 0.0
	if a.durations.Interval > 0 {
		jitter = float64(a.durations.Jitter) / float64(a.durations.Interval)
	}
	patterns, err := fs.ParseIgnoreFile(a.fs, filepath.Join(a.cfg.BaseDir, IgnoreFile))
	if err != nil {
		a.logger.Warn("ignoring unreadable ignore file", "error", err)
	}
	return watch.NewScheduler(watch.Options{
		Ledger:   a.db,
		Backends: a.resolver,
		Dirs:     a.watchDirs(),
		Ignore:   fs.NewIgnoreMatcher(patterns),
		Interval: a.durations.Interval,
		Jitter:   jitter,
		Debounce: a.durations.Debounce,
		Strategy: a.strategy,
		Logger:   a.logger,
		OnPass:   onPass,
	})
}

// watchDirs are the existing directories whose changes may need a sync.
func (a *App) watchDirs() []string {
	candidates := append([]string{a.cfg.CacheDir, a.cfg.Storage.AppDir}, a.cfg.Storage.ExternalRoots...)
	var dirs []string
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if ok, _ := afero.DirExists(a.fs, dir); ok {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// Watch syncs used files in the background until ctx is cancelled, and
// serves metrics when configured.
func (a *App) Watch(ctx context.Context, onPass func([]watch.Outcome)) error {
	if err := a.fs.MkdirAll(a.cfg.CacheDir, 0700); err != nil {
		return a.op.Fail(fmt.Errorf("creating cache directory: %w", err))
	}
	if addr := a.cfg.Metrics.Listen; addr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, addr, a.logger); err != nil {
				a.logger.Error("metrics server failed", "addr", addr, "error", err)
			}
		}()
	}
	a.logger.Info("watching", "interval", a.durations.Interval.String(), "strategy", a.strategy.String())
	return a.op.Fail(a.scheduler(onPass).Run(ctx))
}

// Backup snapshots the ledger database to destPath.
func (a *App) Backup(destPath string) error {
	if err := a.db.BackupTo(destPath); err != nil {
		return a.op.Fail(fmt.Errorf("backing up database: %w", err))
	}
	a.logger.Info("ledger backed up", "path", destPath)
	return nil
}

// Close logs the outcome of the operation and closes all resources.
func (a *App) Close() error {
	var firstErr error

	if a.logger != nil {
		a.logger.Info("operation finished", "operation", a.op.Name, "status", a.op.Status,
			"elapsed", a.clock.Now().Sub(a.op.StartedAt).String())
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// storagePermission is the external storage grant. It lives in the config
// and is saved to path when granted.
type storagePermission struct {
	mu   sync.Mutex
	cfg  *config.Config
	path string
}

func (p *storagePermission) IsGranted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Storage.ExternalGranted
}

func (p *storagePermission) Grant() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.Storage.ExternalGranted {
		return nil
	}
	p.cfg.Storage.ExternalGranted = true
	if p.path == "" {
		return nil
	}
	if err := config.Save(p.path, p.cfg); err != nil {
		p.cfg.Storage.ExternalGranted = false
		return fmt.Errorf("saving storage grant: %w", err)
	}
	return nil
}
