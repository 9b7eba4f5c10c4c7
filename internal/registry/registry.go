// Package registry maps authorities to the provider and sync processor that
// serve them. The table is built once at startup and never changes.
package registry

import (
	"fmt"
	"sort"

	"kpvault-go/internal/vfs"
)

type entry struct {
	authority vfs.Authority
	provider  vfs.FileSystemProvider
	sync      vfs.SyncProcessor
}

// Builder collects backends before the Resolver is frozen.
type Builder struct {
	entries map[string]*entry
	order   []string
}

func NewBuilder() *Builder {
	return &Builder{entries: make(map[string]*entry)}
}

// Add registers a backend under authority.Key(). Registering the same key
// twice is a configuration bug and panics.
func (b *Builder) Add(authority vfs.Authority, provider vfs.FileSystemProvider, sp vfs.SyncProcessor) *Builder {
	if provider == nil || sp == nil {
		panic(fmt.Sprintf("registry: nil provider or sync processor for %s", authority))
	}
	key := authority.Key()
	if _, ok := b.entries[key]; ok {
		panic(fmt.Sprintf("registry: %s registered twice", key))
	}
	b.entries[key] = &entry{authority: authority, provider: provider, sync: sp}
	b.order = append(b.order, key)
	return b
}

func (b *Builder) Build() *Resolver {
	r := &Resolver{
		byKey:  make(map[string]*entry, len(b.entries)),
		byKind: make(map[vfs.BackendKind][]*entry),
	}
	for _, key := range b.order {
		e := b.entries[key]
		r.byKey[key] = e
		r.byKind[e.authority.Kind] = append(r.byKind[e.authority.Kind], e)
		r.authorities = append(r.authorities, e.authority)
	}
	return r
}

// Resolver is read-only after Build and safe for concurrent use.
type Resolver struct {
	byKey       map[string]*entry
	byKind      map[vfs.BackendKind][]*entry
	authorities []vfs.Authority
}

// lookup matches the authority key first. A kind with a single registered
// instance also matches authorities that only name the kind.
func (r *Resolver) lookup(authority vfs.Authority) (*entry, bool) {
	if e, ok := r.byKey[authority.Key()]; ok {
		return e, true
	}
	if entries := r.byKind[authority.Kind]; len(entries) == 1 && authority.Instance == "" {
		return entries[0], true
	}
	return nil, false
}

// ResolveProvider panics when nothing serves authority.
func (r *Resolver) ResolveProvider(authority vfs.Authority) vfs.FileSystemProvider {
	e, ok := r.lookup(authority)
	if !ok {
		panic(fmt.Sprintf("registry: no provider for %s", authority.Key()))
	}
	return e.provider
}

// ResolveSyncProcessor panics when nothing serves authority.
func (r *Resolver) ResolveSyncProcessor(authority vfs.Authority) vfs.SyncProcessor {
	e, ok := r.lookup(authority)
	if !ok {
		panic(fmt.Sprintf("registry: no sync processor for %s", authority.Key()))
	}
	return e.sync
}

// Find is the non-fatal lookup for user-supplied authorities.
func (r *Resolver) Find(authority vfs.Authority) (vfs.FileSystemProvider, vfs.SyncProcessor, bool) {
	e, ok := r.lookup(authority)
	if !ok {
		return nil, nil, false
	}
	return e.provider, e.sync, true
}

// FindByRef resolves a persisted ledger reference.
func (r *Resolver) FindByRef(ref vfs.AuthorityRef) (vfs.FileSystemProvider, vfs.SyncProcessor, bool) {
	e, ok := r.byKey[ref.Key]
	if !ok {
		return nil, nil, false
	}
	return e.provider, e.sync, true
}

// Authorities returns the registered authorities in registration order.
func (r *Resolver) Authorities() []vfs.Authority {
	return append([]vfs.Authority(nil), r.authorities...)
}

// Kinds returns the registered backend kinds, sorted.
func (r *Resolver) Kinds() []vfs.BackendKind {
	kinds := make([]vfs.BackendKind, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
