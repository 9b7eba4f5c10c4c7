package vfs

import (
	"context"
	"time"
)

// AuthorityRef is the secret-free persisted form of an Authority.
type AuthorityRef struct {
	Kind BackendKind
	Key  string
}

func (a Authority) Ref() AuthorityRef {
	return AuthorityRef{Kind: a.Kind, Key: a.Key()}
}

// KeyType is how the vault stored in a used file is unlocked.
type KeyType string

const (
	KeyTypePassword        KeyType = "PASSWORD"
	KeyTypeKeyFile         KeyType = "KEY_FILE"
	KeyTypePasswordKeyFile KeyType = "PASSWORD_AND_KEY_FILE"
)

// KeyFileRef points at the key file that unlocks a used file.
type KeyFileRef struct {
	Authority AuthorityRef
	Path      string
	UID       string
	Name      string
}

// UsedFileEntry is a ledger row for a previously opened file. It is created on
// first open and only the opening use case mutates it.
type UsedFileEntry struct {
	ID             string
	Authority      AuthorityRef
	FilePath       string
	FileUID        string
	FileName       string
	AddedTime      time.Time
	LastAccessTime *time.Time
	KeyType        KeyType
	KeyFile        *KeyFileRef
}

// UsedFileLedger persists used files. Every write is one transaction.
type UsedFileLedger interface {
	// RecordOpen creates the entry on first open and otherwise refreshes
	// LastAccessTime and the key settings.
	RecordOpen(ctx context.Context, entry UsedFileEntry) (*UsedFileEntry, error)

	// FindUsedFile returns nil when no entry exists.
	FindUsedFile(ctx context.Context, authority AuthorityRef, uid string) (*UsedFileEntry, error)

	// ListUsedFiles returns entries ordered by most recent access.
	ListUsedFiles(ctx context.Context) ([]*UsedFileEntry, error)

	RemoveUsedFile(ctx context.Context, authority AuthorityRef, uid string) error
}

// SyncRecord is the last successful sync point of a cached remote file.
type SyncRecord struct {
	AuthorityKey string
	UID          string
	Path         string
	// Revision is the remote revision at the last sync.
	Revision string
	// LocalModified is the cache file's modification time right after the last sync.
	LocalModified time.Time
	// LocalSize is the cache file's size right after the last sync, -1 when unknown.
	LocalSize int64
	// RemoteModified is the server modification time at the last sync.
	RemoteModified time.Time
	SyncedAt       time.Time
}

type SyncRecordStore interface {
	// GetSyncRecord returns nil when the file was never synced.
	GetSyncRecord(ctx context.Context, authorityKey, uid string) (*SyncRecord, error)
	PutSyncRecord(ctx context.Context, rec SyncRecord) error
	DeleteSyncRecord(ctx context.Context, authorityKey, uid string) error
}

// CredentialStore persists credentials keyed by (authority, purpose).
type CredentialStore interface {
	// GetCredentials returns nil when nothing is stored.
	GetCredentials(ctx context.Context, authority Authority, purpose string) (Credentials, error)
	SetCredentials(ctx context.Context, authority Authority, purpose string, creds Credentials) error
	ClearCredentials(ctx context.Context, authority Authority, purpose string) error
}

// TreeGrant is a directory tree the user granted access to through the
// document-tree backend.
type TreeGrant struct {
	ID        string
	RootPath  string
	Name      string
	GrantedAt time.Time
}

type TreeGrantStore interface {
	ListTreeGrants(ctx context.Context) ([]*TreeGrant, error)
	// AddTreeGrant returns the existing grant when rootPath is already granted.
	AddTreeGrant(ctx context.Context, rootPath, name string) (*TreeGrant, error)
	RevokeTreeGrant(ctx context.Context, id string) error
}
