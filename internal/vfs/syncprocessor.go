package vfs

import "context"

// NoResolution means the caller supplied no conflict resolution.
const NoResolution ConflictResolutionStrategy = 0

// SyncProcessor tracks the sync state of files of one backend instance and
// applies resolutions.
type SyncProcessor interface {
	// CachedFile returns the locally cached descriptor without network access.
	CachedFile(ctx context.Context, uid string) (FileDescriptor, bool)

	SyncProgressStatus(uid string) SyncProgressStatus

	LastKnownRevision(ctx context.Context, uid string) (string, bool)

	// SyncStatus compares the local copy against the remote. Connectivity
	// problems are reported through the status value, not the error.
	SyncStatus(ctx context.Context, uid string) Result[SyncStatus]

	// ConflictInfo is IncorrectUse on backends without conflict detection.
	ConflictInfo(ctx context.Context, uid string) Result[SyncConflictInfo]

	// Resolve runs one sync pass for file. On a conflict with NoResolution and
	// ResolveConflictsManually it fails with SyncConflict.
	Resolve(ctx context.Context, file FileDescriptor, strategy SyncStrategy, resolution ConflictResolutionStrategy) Result[FileDescriptor]
}

// StateOf assembles the SyncState of uid. Status errors degrade to SyncError.
func StateOf(ctx context.Context, p SyncProcessor, uid string) SyncState {
	state := DefaultSyncState()
	res := p.SyncStatus(ctx, uid)
	if res.IsError() {
		state.Status = SyncError
	} else {
		state.Status = res.Value()
	}
	state.Progress = p.SyncProgressStatus(uid)
	if rev, ok := p.LastKnownRevision(ctx, uid); ok {
		state.Revision = &rev
	}
	return state
}
