package vfs

import "time"

// SyncStatus is the relationship between a local copy and its remote counterpart.
type SyncStatus int

const (
	SyncNoChanges SyncStatus = iota
	SyncLocalChanges
	SyncLocalChangesNoNetwork
	SyncRemoteChanges
	SyncNoNetwork
	SyncError
	SyncConflict
)

func (s SyncStatus) String() string {
	switch s {
	case SyncNoChanges:
		return "NoChanges"
	case SyncLocalChanges:
		return "LocalChanges"
	case SyncLocalChangesNoNetwork:
		return "LocalChangesNoNetwork"
	case SyncRemoteChanges:
		return "RemoteChanges"
	case SyncNoNetwork:
		return "NoNetwork"
	case SyncError:
		return "Error"
	case SyncConflict:
		return "Conflict"
	}
	return "Unknown"
}

// SyncProgressStatus reports background activity for a file. Idle means no
// sync operation is currently running for it.
type SyncProgressStatus int

const (
	ProgressIdle SyncProgressStatus = iota
	ProgressDownloading
	ProgressUploading
	ProgressResolving
)

func (p SyncProgressStatus) String() string {
	switch p {
	case ProgressIdle:
		return "Idle"
	case ProgressDownloading:
		return "Downloading"
	case ProgressUploading:
		return "Uploading"
	case ProgressResolving:
		return "Resolving"
	}
	return "Unknown"
}

type SyncState struct {
	Status   SyncStatus
	Progress SyncProgressStatus
	Revision *string
}

// DefaultSyncState is {NoChanges, Idle, nil}.
func DefaultSyncState() SyncState {
	return SyncState{Status: SyncNoChanges, Progress: ProgressIdle}
}

// ConflictResolutionStrategy is applied once per detected conflict and never persisted.
type ConflictResolutionStrategy int

const (
	UseLocal ConflictResolutionStrategy = iota + 1
	UseRemote
)

func (s ConflictResolutionStrategy) String() string {
	switch s {
	case UseLocal:
		return "UseLocal"
	case UseRemote:
		return "UseRemote"
	}
	return "None"
}

// SyncStrategy controls what Resolve does when it meets a conflict without an
// explicit resolution.
type SyncStrategy int

const (
	// ResolveConflictsManually fails with a SyncConflict error until the caller picks a side.
	ResolveConflictsManually SyncStrategy = iota
	// LastModificationWins keeps whichever side was modified last.
	LastModificationWins
)

func (s SyncStrategy) String() string {
	if s == LastModificationWins {
		return "LastModificationWins"
	}
	return "ResolveConflictsManually"
}

// SyncConflictInfo holds the local and remote snapshots of a conflicted file.
type SyncConflictInfo struct {
	Local          FileDescriptor
	Remote         FileDescriptor
	LocalModified  time.Time
	RemoteModified time.Time
	LocalRevision  string
	RemoteRevision string
}

// FSOptions controls caching and write access for provider calls.
type FSOptions struct {
	CacheEnabled         bool
	WriteEnabled         bool
	PostponedSyncEnabled bool
}

func ReadOptions() FSOptions {
	return FSOptions{CacheEnabled: true}
}

func WriteOptions() FSOptions {
	return FSOptions{CacheEnabled: true, WriteEnabled: true}
}

// NoCacheOptions bypasses any local cache on network backends.
func NoCacheOptions() FSOptions {
	return FSOptions{}
}
