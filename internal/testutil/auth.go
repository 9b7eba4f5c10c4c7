package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"kpvault-go/internal/vfs"
)

// RecordingAuthHook records interactive auth requests and optionally runs
// OnStart for each of them.
type RecordingAuthHook struct {
	mu      sync.Mutex
	calls   []vfs.Authority
	OnStart func(ctx context.Context, authority vfs.Authority)
	done    chan struct{}
}

func NewRecordingAuthHook() *RecordingAuthHook {
	return &RecordingAuthHook{done: make(chan struct{}, 16)}
}

func (h *RecordingAuthHook) StartInteractiveAuth(ctx context.Context, authority vfs.Authority) {
	h.mu.Lock()
	h.calls = append(h.calls, authority)
	onStart := h.OnStart
	h.mu.Unlock()

	if onStart != nil {
		onStart(ctx, authority)
	}
	h.done <- struct{}{}
}

// Wait blocks until one auth request has completed.
func (h *RecordingAuthHook) Wait() { <-h.done }

func (h *RecordingAuthHook) Calls() []vfs.Authority {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]vfs.Authority(nil), h.calls...)
}

// StubPermission is a storage permission whose state tests flip directly.
type StubPermission struct {
	granted atomic.Bool
}

func NewStubPermission(granted bool) *StubPermission {
	p := &StubPermission{}
	p.granted.Store(granted)
	return p
}

func (p *StubPermission) IsGranted() bool { return p.granted.Load() }

func (p *StubPermission) Grant() error {
	p.granted.Store(true)
	return nil
}

func (p *StubPermission) Set(granted bool) { p.granted.Store(granted) }
