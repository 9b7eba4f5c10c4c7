package remote

import (
	"context"
	"io"
	"os"

	"kpvault-go/internal/fs"
	"kpvault-go/internal/vfs"
)

// inspection is one comparison of the cached copy against the remote.
type inspection struct {
	status vfs.SyncStatus
	record *vfs.SyncRecord
	// local is nil when nothing is cached.
	local os.FileInfo
	// remote is nil when the remote copy is missing or could not be checked.
	remote *vfs.RemoteFileMetadata
	// err explains NoNetwork, LocalChangesNoNetwork and Error statuses.
	err *vfs.Error
}

// inspect computes the sync status of uid. Precedence, first match wins:
//
//  1. auth failures and cache I/O failures are returned as errors
//  2. connectivity failure: LocalChangesNoNetwork if the cache changed, else NoNetwork
//  3. any other remote failure: Error
//  4. remote missing: LocalChanges if cached, else FileNotFound
//  5. local and remote changed: Conflict
//  6. local changed: LocalChanges
//  7. remote changed or nothing cached: RemoteChanges
//  8. NoChanges
func (p *Provider) inspect(ctx context.Context, client Client, uid string) (inspection, *vfs.Error) {
	var ins inspection

	rec, err := p.cache.Record(ctx, uid)
	if err != nil {
		return ins, vfs.WrapError(vfs.KindGenericIO, err, "inspecting %s", uid)
	}
	info, cached, err := p.cache.Stat(uid)
	if err != nil {
		return ins, fs.ClassifyError(err, "stat cached", uid)
	}
	ins.record = rec
	if cached {
		ins.local = info
	}
	changed := localChanged(rec, ins.local)

	meta, err := client.Stat(ctx, uid)
	if err != nil {
		verr := classify(err)
		switch verr.Kind {
		case vfs.KindAuth, vfs.KindIncorrectCredentials:
			return ins, verr
		case vfs.KindFileNotFound:
			if !cached {
				return ins, verr
			}
			ins.status = vfs.SyncLocalChanges
		case vfs.KindNetworkIO:
			ins.err = verr
			ins.status = vfs.SyncNoNetwork
			if changed {
				ins.status = vfs.SyncLocalChangesNoNetwork
			}
		default:
			ins.err = verr
			ins.status = vfs.SyncError
		}
		return ins, nil
	}
	ins.remote = &meta

	remoteChanged := rec == nil || meta.Revision != rec.Revision
	switch {
	case !cached:
		ins.status = vfs.SyncRemoteChanges
	case changed && remoteChanged:
		ins.status = vfs.SyncConflict
	case changed:
		ins.status = vfs.SyncLocalChanges
	case remoteChanged:
		ins.status = vfs.SyncRemoteChanges
	default:
		ins.status = vfs.SyncNoChanges
	}
	return ins, nil
}

// pull downloads uid into the cache and records the sync point.
func (p *Provider) pull(ctx context.Context, client Client, uid, filePath string) (vfs.RemoteFileMetadata, *vfs.Error) {
	p.setProgress(uid, vfs.ProgressDownloading)
	defer p.setProgress(uid, vfs.ProgressIdle)

	meta, err := p.cache.Store(ctx, uid, vfs.NormalizePath(filePath), func(w io.Writer) (vfs.RemoteFileMetadata, error) {
		return client.Download(ctx, uid, w)
	})
	if err != nil {
		return vfs.RemoteFileMetadata{}, vfs.ToError(err, vfs.KindGenericIO)
	}
	p.logger.Info("downloaded remote file", "authority", p.Authority().String(), "path", uid, "revision", meta.Revision)
	return meta, nil
}

// push uploads the cached content of uid. Unless force is set it refuses when
// the remote revision moved past the last sync point.
func (p *Provider) push(ctx context.Context, uid, filePath string, force bool) (vfs.RemoteFileMetadata, *vfs.Error) {
	client, verr := p.reconcile()
	if verr != nil {
		return vfs.RemoteFileMetadata{}, verr
	}
	rec, err := p.cache.Record(ctx, uid)
	if err != nil {
		return vfs.RemoteFileMetadata{}, vfs.WrapError(vfs.KindGenericIO, err, "pushing %s", uid)
	}
	if !force {
		meta, err := client.Stat(ctx, uid)
		switch {
		case err == nil:
			if rec == nil || meta.Revision != rec.Revision {
				return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindSyncConflict,
					"remote %s changed since last sync", uid)
			}
		case vfs.KindOf(err) != vfs.KindFileNotFound:
			return vfs.RemoteFileMetadata{}, classify(err)
		}
	}

	p.setProgress(uid, vfs.ProgressUploading)
	defer p.setProgress(uid, vfs.ProgressIdle)

	f, err := p.cache.Open(uid)
	if err != nil {
		return vfs.RemoteFileMetadata{}, fs.ClassifyError(err, "open cached", uid)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return vfs.RemoteFileMetadata{}, fs.ClassifyError(err, "stat cached", uid)
	}

	meta, err := client.Upload(ctx, uid, f, info.Size())
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err)
	}
	if err := p.cache.MarkSynced(ctx, uid, filePath, meta); err != nil {
		return vfs.RemoteFileMetadata{}, vfs.ToError(err, vfs.KindGenericIO)
	}
	p.logger.Info("uploaded local file", "authority", p.Authority().String(), "path", uid, "revision", meta.Revision)
	return meta, nil
}

// SyncProcessor detects and resolves differences between the cache of a
// Provider and its remote.
type SyncProcessor struct {
	provider *Provider
}

var _ vfs.SyncProcessor = (*SyncProcessor)(nil)

func NewSyncProcessor(provider *Provider) *SyncProcessor {
	return &SyncProcessor{provider: provider}
}

func (s *SyncProcessor) CachedFile(ctx context.Context, uid string) (vfs.FileDescriptor, bool) {
	return s.provider.cachedFile(ctx, vfs.NormalizePath(uid))
}

func (s *SyncProcessor) SyncProgressStatus(uid string) vfs.SyncProgressStatus {
	return s.provider.progressOf(vfs.NormalizePath(uid))
}

func (s *SyncProcessor) LastKnownRevision(ctx context.Context, uid string) (string, bool) {
	rec, err := s.provider.cache.Record(ctx, vfs.NormalizePath(uid))
	if err != nil || rec == nil {
		return "", false
	}
	return rec.Revision, true
}

func (s *SyncProcessor) SyncStatus(ctx context.Context, uid string) vfs.Result[vfs.SyncStatus] {
	client, verr := s.provider.reconcile()
	if verr != nil {
		return vfs.Fail[vfs.SyncStatus](verr)
	}
	uid = vfs.NormalizePath(uid)
	ins, verr := s.provider.inspect(ctx, client, uid)
	if verr != nil {
		return vfs.Fail[vfs.SyncStatus](verr)
	}
	s.provider.logger.Debug("sync status", "authority", s.provider.Authority().String(), "path", uid, "status", ins.status.String())
	return vfs.Ok(ins.status)
}

func (s *SyncProcessor) ConflictInfo(ctx context.Context, uid string) vfs.Result[vfs.SyncConflictInfo] {
	client, verr := s.provider.reconcile()
	if verr != nil {
		return vfs.Fail[vfs.SyncConflictInfo](verr)
	}
	uid = vfs.NormalizePath(uid)
	ins, verr := s.provider.inspect(ctx, client, uid)
	if verr != nil {
		return vfs.Fail[vfs.SyncConflictInfo](verr)
	}
	if ins.local == nil {
		return vfs.Fail[vfs.SyncConflictInfo](vfs.NewError(vfs.KindFileNotFound, "%s is not cached", uid))
	}
	if ins.remote == nil {
		if ins.err != nil {
			return vfs.Fail[vfs.SyncConflictInfo](ins.err)
		}
		return vfs.Fail[vfs.SyncConflictInfo](vfs.NewError(vfs.KindFileNotFound, "%s does not exist remotely", uid))
	}

	info := vfs.SyncConflictInfo{
		Local:          s.provider.describeCached(uid, ins.record, ins.local),
		Remote:         s.provider.describe(*ins.remote),
		LocalModified:  ins.local.ModTime().UTC(),
		RemoteModified: remoteModified(*ins.remote).UTC(),
		RemoteRevision: ins.remote.Revision,
	}
	if ins.record != nil {
		info.LocalRevision = ins.record.Revision
	}
	return vfs.Ok(info)
}

// Resolve runs one sync pass for file: pushes local changes, pulls remote
// changes and settles conflicts with resolution or strategy. Connectivity
// failures yield the cached descriptor as a Deferred result.
func (s *SyncProcessor) Resolve(ctx context.Context, file vfs.FileDescriptor, strategy vfs.SyncStrategy, resolution vfs.ConflictResolutionStrategy) vfs.Result[vfs.FileDescriptor] {
	p := s.provider
	client, verr := p.reconcile()
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	if verr := vfs.CheckAuthority(p.Authority(), file); verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	uid := uidOf(file)
	filePath := vfs.NormalizePath(file.Path)

	unlock := p.lockUID(uid)
	defer unlock()
	p.setProgress(uid, vfs.ProgressResolving)
	defer p.setProgress(uid, vfs.ProgressIdle)

	ins, verr := p.inspect(ctx, client, uid)
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}

	switch ins.status {
	case vfs.SyncNoChanges:
		return vfs.Ok(p.describe(*ins.remote))
	case vfs.SyncLocalChanges:
		return s.finish(p.push(ctx, uid, filePath, true))
	case vfs.SyncRemoteChanges:
		return s.finish(p.pull(ctx, client, uid, filePath))
	case vfs.SyncConflict:
		choice := resolution
		if choice == vfs.NoResolution {
			if strategy != vfs.LastModificationWins {
				return vfs.Fail[vfs.FileDescriptor](vfs.NewError(vfs.KindSyncConflict,
					"%s changed locally and remotely, resolution required", uid))
			}
			choice = vfs.UseRemote
			if ins.local.ModTime().After(remoteModified(*ins.remote)) {
				choice = vfs.UseLocal
			}
		}
		p.logger.Info("resolving conflict", "authority", p.Authority().String(), "path", uid, "resolution", choice.String())
		if choice == vfs.UseLocal {
			return s.finish(p.push(ctx, uid, filePath, true))
		}
		return s.finish(p.pull(ctx, client, uid, filePath))
	}

	if ins.local != nil {
		return vfs.Defer(p.describeCached(uid, ins.record, ins.local), ins.err)
	}
	return vfs.Fail[vfs.FileDescriptor](ins.err)
}

func (s *SyncProcessor) finish(meta vfs.RemoteFileMetadata, verr *vfs.Error) vfs.Result[vfs.FileDescriptor] {
	if verr != nil {
		return vfs.Fail[vfs.FileDescriptor](verr)
	}
	return vfs.Ok(s.provider.describe(meta))
}
