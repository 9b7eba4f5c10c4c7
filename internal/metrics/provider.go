package metrics

import (
	"context"
	"io"
	"time"

	"kpvault-go/internal/vfs"
)

type instrumentedProvider struct {
	next    vfs.FileSystemProvider
	metrics *Metrics
}

// InstrumentProvider counts every operation of p by outcome and error kind.
func InstrumentProvider(p vfs.FileSystemProvider, m *Metrics) vfs.FileSystemProvider {
	return &instrumentedProvider{next: p, metrics: m}
}

func record[T any](p *instrumentedProvider, op string, start time.Time, r vfs.Result[T]) vfs.Result[T] {
	p.metrics.observe(p.next.Authority().Kind, op, start, r.Kind(), r.Err())
	return r
}

func (p *instrumentedProvider) Authority() vfs.Authority         { return p.next.Authority() }
func (p *instrumentedProvider) Authenticator() vfs.Authenticator { return p.next.Authenticator() }

func (p *instrumentedProvider) ListFiles(ctx context.Context, dir vfs.FileDescriptor) vfs.Result[[]vfs.FileDescriptor] {
	return record(p, "list", time.Now(), p.next.ListFiles(ctx, dir))
}

func (p *instrumentedProvider) GetParent(ctx context.Context, file vfs.FileDescriptor) vfs.Result[vfs.FileDescriptor] {
	return record(p, "parent", time.Now(), p.next.GetParent(ctx, file))
}

func (p *instrumentedProvider) GetRootFile(ctx context.Context) vfs.Result[vfs.FileDescriptor] {
	return record(p, "root", time.Now(), p.next.GetRootFile(ctx))
}

func (p *instrumentedProvider) Exists(ctx context.Context, file vfs.FileDescriptor) vfs.Result[bool] {
	return record(p, "exists", time.Now(), p.next.Exists(ctx, file))
}

func (p *instrumentedProvider) GetFile(ctx context.Context, path string, options vfs.FSOptions) vfs.Result[vfs.FileDescriptor] {
	return record(p, "get", time.Now(), p.next.GetFile(ctx, path, options))
}

func (p *instrumentedProvider) OpenForRead(ctx context.Context, file vfs.FileDescriptor, options vfs.FSOptions) vfs.Result[io.ReadCloser] {
	return record(p, "read", time.Now(), p.next.OpenForRead(ctx, file, options))
}

func (p *instrumentedProvider) OpenForWrite(ctx context.Context, file vfs.FileDescriptor, options vfs.FSOptions) vfs.Result[io.WriteCloser] {
	return record(p, "write", time.Now(), p.next.OpenForWrite(ctx, file, options))
}

type instrumentedSync struct {
	next    vfs.SyncProcessor
	backend vfs.BackendKind
	metrics *Metrics
}

// InstrumentSyncProcessor counts status checks and resolutions of sp.
func InstrumentSyncProcessor(sp vfs.SyncProcessor, backend vfs.BackendKind, m *Metrics) vfs.SyncProcessor {
	return &instrumentedSync{next: sp, backend: backend, metrics: m}
}

func (s *instrumentedSync) CachedFile(ctx context.Context, uid string) (vfs.FileDescriptor, bool) {
	return s.next.CachedFile(ctx, uid)
}

func (s *instrumentedSync) SyncProgressStatus(uid string) vfs.SyncProgressStatus {
	return s.next.SyncProgressStatus(uid)
}

func (s *instrumentedSync) LastKnownRevision(ctx context.Context, uid string) (string, bool) {
	return s.next.LastKnownRevision(ctx, uid)
}

func (s *instrumentedSync) SyncStatus(ctx context.Context, uid string) vfs.Result[vfs.SyncStatus] {
	r := s.next.SyncStatus(ctx, uid)
	status := "failed"
	if !r.IsError() {
		status = r.Value().String()
	}
	s.metrics.statuses.WithLabelValues(string(s.backend), status).Inc()
	return r
}

func (s *instrumentedSync) ConflictInfo(ctx context.Context, uid string) vfs.Result[vfs.SyncConflictInfo] {
	return s.next.ConflictInfo(ctx, uid)
}

func (s *instrumentedSync) Resolve(ctx context.Context, file vfs.FileDescriptor, strategy vfs.SyncStrategy, resolution vfs.ConflictResolutionStrategy) vfs.Result[vfs.FileDescriptor] {
	r := s.next.Resolve(ctx, file, strategy, resolution)
	label := strategy.String()
	if resolution != vfs.NoResolution {
		label = resolution.String()
	}
	s.metrics.resolutions.WithLabelValues(string(s.backend), label, r.Kind().String()).Inc()
	return r
}
