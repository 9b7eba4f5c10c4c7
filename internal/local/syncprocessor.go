package local

import (
	"context"

	"kpvault-go/internal/vfs"
)

// SyncProcessor is the degraded processor of local backends: there is no
// remote, so the status only says whether the file still exists.
type SyncProcessor struct {
	provider *Provider
}

var _ vfs.SyncProcessor = (*SyncProcessor)(nil)

func NewSyncProcessor(provider *Provider) *SyncProcessor {
	return &SyncProcessor{provider: provider}
}

func (s *SyncProcessor) descriptor(uid string) vfs.FileDescriptor {
	return vfs.FileDescriptor{Authority: s.provider.Authority(), Path: uid, UID: uid}
}

func (s *SyncProcessor) CachedFile(ctx context.Context, uid string) (vfs.FileDescriptor, bool) {
	res := s.provider.GetFile(ctx, uid, vfs.ReadOptions())
	if !res.IsSuccess() {
		return vfs.FileDescriptor{}, false
	}
	return res.Value(), true
}

func (s *SyncProcessor) SyncProgressStatus(string) vfs.SyncProgressStatus {
	return vfs.ProgressIdle
}

func (s *SyncProcessor) LastKnownRevision(context.Context, string) (string, bool) {
	return "", false
}

func (s *SyncProcessor) SyncStatus(ctx context.Context, uid string) vfs.Result[vfs.SyncStatus] {
	res := s.provider.Exists(ctx, s.descriptor(uid))
	switch {
	case res.IsError():
		return vfs.FailFrom[vfs.SyncStatus](res)
	case !res.Value():
		return vfs.Fail[vfs.SyncStatus](vfs.NewError(vfs.KindFileNotFound, "%s no longer exists", uid))
	}
	return vfs.Ok(vfs.SyncNoChanges)
}

func (s *SyncProcessor) ConflictInfo(context.Context, string) vfs.Result[vfs.SyncConflictInfo] {
	return vfs.Fail[vfs.SyncConflictInfo](vfs.IncorrectUse("ConflictInfo on " + string(s.provider.Authority().Kind)))
}

// Resolve has nothing to sync; it returns the current descriptor of file.
func (s *SyncProcessor) Resolve(ctx context.Context, file vfs.FileDescriptor, _ vfs.SyncStrategy, _ vfs.ConflictResolutionStrategy) vfs.Result[vfs.FileDescriptor] {
	if err := vfs.CheckAuthority(s.provider.Authority(), file); err != nil {
		return vfs.Fail[vfs.FileDescriptor](err)
	}
	return s.provider.GetFile(ctx, file.Path, vfs.ReadOptions())
}
