package testutil

import (
	"context"
	"sort"
	"sync"

	"kpvault-go/internal/vfs"
)

// MemoryLedger is an in-memory ledger for tests of packages that cannot
// depend on the SQLite implementation.
type MemoryLedger struct {
	mu      sync.Mutex
	clock   vfs.Clock
	ids     vfs.IDGenerator
	used    map[string]*vfs.UsedFileEntry
	records map[string]vfs.SyncRecord
	grants  []*vfs.TreeGrant
	secrets map[string][]byte

	// FailWith, when set, is returned by every call.
	FailWith error
}

func NewMemoryLedger(clock vfs.Clock) *MemoryLedger {
	if clock == nil {
		clock = FixedClock()
	}
	return &MemoryLedger{
		clock:   clock,
		ids:     NewStubIDGenerator(),
		used:    make(map[string]*vfs.UsedFileEntry),
		records: make(map[string]vfs.SyncRecord),
		secrets: make(map[string][]byte),
	}
}

func ledgerKey(a, b string) string { return a + "\x00" + b }

func (l *MemoryLedger) RecordOpen(_ context.Context, entry vfs.UsedFileEntry) (*vfs.UsedFileEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return nil, l.FailWith
	}

	now := l.clock.Now()
	k := ledgerKey(entry.Authority.Key, entry.FileUID)
	if entry.KeyType == "" {
		entry.KeyType = vfs.KeyTypePassword
	}
	if existing, ok := l.used[k]; ok {
		entry.ID = existing.ID
		entry.AddedTime = existing.AddedTime
	} else {
		entry.ID = l.ids.New()
		entry.AddedTime = now
	}
	entry.LastAccessTime = &now
	saved := entry
	l.used[k] = &saved
	out := saved
	return &out, nil
}

func (l *MemoryLedger) FindUsedFile(_ context.Context, authority vfs.AuthorityRef, uid string) (*vfs.UsedFileEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return nil, l.FailWith
	}
	e, ok := l.used[ledgerKey(authority.Key, uid)]
	if !ok {
		return nil, nil
	}
	out := *e
	return &out, nil
}

func (l *MemoryLedger) ListUsedFiles(context.Context) ([]*vfs.UsedFileEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return nil, l.FailWith
	}
	entries := make([]*vfs.UsedFileEntry, 0, len(l.used))
	for _, e := range l.used {
		out := *e
		entries = append(entries, &out)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessTime.After(*entries[j].LastAccessTime)
	})
	return entries, nil
}

func (l *MemoryLedger) RemoveUsedFile(_ context.Context, authority vfs.AuthorityRef, uid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return l.FailWith
	}
	delete(l.used, ledgerKey(authority.Key, uid))
	return nil
}

func (l *MemoryLedger) GetSyncRecord(_ context.Context, authorityKey, uid string) (*vfs.SyncRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return nil, l.FailWith
	}
	rec, ok := l.records[ledgerKey(authorityKey, uid)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (l *MemoryLedger) PutSyncRecord(_ context.Context, rec vfs.SyncRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return l.FailWith
	}
	if rec.SyncedAt.IsZero() {
		rec.SyncedAt = l.clock.Now()
	}
	l.records[ledgerKey(rec.AuthorityKey, rec.UID)] = rec
	return nil
}

func (l *MemoryLedger) DeleteSyncRecord(_ context.Context, authorityKey, uid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return l.FailWith
	}
	delete(l.records, ledgerKey(authorityKey, uid))
	return nil
}

func (l *MemoryLedger) ListTreeGrants(context.Context) ([]*vfs.TreeGrant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return nil, l.FailWith
	}
	out := make([]*vfs.TreeGrant, len(l.grants))
	for i, g := range l.grants {
		c := *g
		out[i] = &c
	}
	return out, nil
}

func (l *MemoryLedger) AddTreeGrant(_ context.Context, rootPath, name string) (*vfs.TreeGrant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return nil, l.FailWith
	}
	for _, g := range l.grants {
		if g.RootPath == rootPath {
			c := *g
			return &c, nil
		}
	}
	g := &vfs.TreeGrant{ID: l.ids.New(), RootPath: rootPath, Name: name, GrantedAt: l.clock.Now()}
	l.grants = append(l.grants, g)
	c := *g
	return &c, nil
}

func (l *MemoryLedger) RevokeTreeGrant(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return l.FailWith
	}
	for i, g := range l.grants {
		if g.ID == id {
			l.grants = append(l.grants[:i], l.grants[i+1:]...)
			break
		}
	}
	return nil
}

func (l *MemoryLedger) GetSecret(_ context.Context, authorityKey, purpose string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return nil, l.FailWith
	}
	return l.secrets[ledgerKey(authorityKey, purpose)], nil
}

func (l *MemoryLedger) PutSecret(_ context.Context, authorityKey, purpose string, ciphertext []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return l.FailWith
	}
	l.secrets[ledgerKey(authorityKey, purpose)] = append([]byte(nil), ciphertext...)
	return nil
}

func (l *MemoryLedger) DeleteSecret(_ context.Context, authorityKey, purpose string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return l.FailWith
	}
	delete(l.secrets, ledgerKey(authorityKey, purpose))
	return nil
}

var (
	_ vfs.UsedFileLedger  = (*MemoryLedger)(nil)
	_ vfs.SyncRecordStore = (*MemoryLedger)(nil)
	_ vfs.TreeGrantStore  = (*MemoryLedger)(nil)
)
