package tree

import (
	"context"

	"kpvault-go/internal/vfs"
)

// SyncProcessor is degraded: granted trees are local, so a file is either
// present or gone.
type SyncProcessor struct {
	provider *Provider
}

var _ vfs.SyncProcessor = (*SyncProcessor)(nil)

func NewSyncProcessor(provider *Provider) *SyncProcessor {
	return &SyncProcessor{provider: provider}
}

func (s *SyncProcessor) CachedFile(ctx context.Context, uid string) (vfs.FileDescriptor, bool) {
	path, verr := s.provider.PathOf(ctx, uid)
	if verr != nil {
		return vfs.FileDescriptor{}, false
	}
	res := s.provider.GetFile(ctx, path, vfs.ReadOptions())
	return res.Value(), res.IsSuccess()
}

func (s *SyncProcessor) SyncProgressStatus(string) vfs.SyncProgressStatus { return vfs.ProgressIdle }

func (s *SyncProcessor) LastKnownRevision(context.Context, string) (string, bool) { return "", false }

func (s *SyncProcessor) SyncStatus(ctx context.Context, uid string) vfs.Result[vfs.SyncStatus] {
	path, verr := s.provider.PathOf(ctx, uid)
	if verr != nil {
		return vfs.Fail[vfs.SyncStatus](verr)
	}
	res := s.provider.Exists(ctx, vfs.FileDescriptor{Authority: vfs.TreeAuthority, Path: path, UID: uid})
	switch {
	case res.IsError():
		return vfs.FailFrom[vfs.SyncStatus](res)
	case !res.Value():
		return vfs.Fail[vfs.SyncStatus](vfs.NewError(vfs.KindFileNotFound, "%s no longer exists", path))
	}
	return vfs.Ok(vfs.SyncNoChanges)
}

func (s *SyncProcessor) ConflictInfo(context.Context, string) vfs.Result[vfs.SyncConflictInfo] {
	return vfs.Fail[vfs.SyncConflictInfo](vfs.IncorrectUse("ConflictInfo on " + string(vfs.StorageAccessFramework)))
}

func (s *SyncProcessor) Resolve(ctx context.Context, file vfs.FileDescriptor, _ vfs.SyncStrategy, _ vfs.ConflictResolutionStrategy) vfs.Result[vfs.FileDescriptor] {
	if err := vfs.CheckAuthority(vfs.TreeAuthority, file); err != nil {
		return vfs.Fail[vfs.FileDescriptor](err)
	}
	return s.provider.GetFile(ctx, file.Path, vfs.ReadOptions())
}
