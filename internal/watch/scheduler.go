// Package watch runs background sync passes over the used-file ledger, on a
// jittered interval and whenever a watched directory changes.
package watch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"kpvault-go/internal/fs"
	"kpvault-go/internal/vfs"
)

// Backends finds the backend of a persisted ledger entry.
type Backends interface {
	FindByRef(ref vfs.AuthorityRef) (vfs.FileSystemProvider, vfs.SyncProcessor, bool)
}

type Options struct {
	Ledger   vfs.UsedFileLedger
	Backends Backends
	// Dirs are watched recursively; any change schedules a pass.
	Dirs     []string
	Ignore   *fs.IgnoreMatcher
	Interval time.Duration
	// Jitter is the ratio (0..1) by which each interval is randomized.
	Jitter   float64
	Debounce time.Duration
	Strategy vfs.SyncStrategy
	Logger   vfs.Logger
	// OnPass, when set, receives the outcomes of every pass.
	OnPass func([]Outcome)
}

// Outcome is what one pass did for one ledger entry.
type Outcome struct {
	Entry    *vfs.UsedFileEntry
	Status   vfs.SyncStatus
	Resolved bool
	Err      error
}

type Scheduler struct {
	opts Options

	trigger    chan struct{}
	debounceMu sync.Mutex
	debouncer  map[string]*time.Timer
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = vfs.NewNopLogger()
	}
	if opts.Ignore == nil {
		opts.Ignore = fs.NewIgnoreMatcher(nil)
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)
	return &Scheduler{
		opts:      opts,
		trigger:   make(chan struct{}, 1),
		debouncer: make(map[string]*time.Timer),
	}
}

// Run blocks until ctx is cancelled. It runs one pass immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	for _, dir := range s.opts.Dirs {
		if err := s.addRecursive(watcher, dir); err != nil {
			return err
		}
	}
	defer s.stopTimers()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.pass(ctx)
			timer.Reset(jitteredIntervalWithSample(s.opts.Interval, s.opts.Jitter, rand.Float64()))
		case <-s.trigger:
			s.pass(ctx)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.opts.Logger.Warn("watch error", "error", err)
		}
	}
}

func (s *Scheduler) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("watching %s: %w", path, err)
			}
		}
		return nil
	})
}

func (s *Scheduler) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if s.ignored(event.Name) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.addRecursive(watcher, event.Name); err != nil {
				s.opts.Logger.Warn("watching new directory", "path", event.Name, "error", err)
			}
		}
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
		s.debounced(event.Name)
	}
}

func (s *Scheduler) ignored(path string) bool {
	for _, dir := range s.opts.Dirs {
		if rel, err := filepath.Rel(dir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return s.opts.Ignore.Match(rel)
		}
	}
	return s.opts.Ignore.Match(filepath.Base(path))
}

// debounced schedules a pass once path has been quiet for the debounce delay.
func (s *Scheduler) debounced(path string) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if timer, ok := s.debouncer[path]; ok {
		timer.Stop()
	}
	s.debouncer[path] = time.AfterFunc(s.opts.Debounce, func() {
		s.debounceMu.Lock()
		delete(s.debouncer, path)
		s.debounceMu.Unlock()
		select {
		case s.trigger <- struct{}{}:
		default:
		}
	})
}

func (s *Scheduler) stopTimers() {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	for path, timer := range s.debouncer {
		timer.Stop()
		delete(s.debouncer, path)
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	outcomes, err := s.SyncOnce(ctx)
	if err != nil {
		s.opts.Logger.Error("sync pass failed", "error", err)
		return
	}
	if s.opts.OnPass != nil {
		s.opts.OnPass(outcomes)
	}
}

// SyncOnce checks every ledger entry on a sync-capable backend and resolves
// pending pushes and pulls. Conflicts are only resolved under
// LastModificationWins; otherwise they wait for the user.
func (s *Scheduler) SyncOnce(ctx context.Context) ([]Outcome, error) {
	entries, err := s.opts.Ledger.ListUsedFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing used files: %w", err)
	}

	var outcomes []Outcome
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return outcomes, nil
		}
		if !entry.Authority.Kind.IsRemote() {
			continue
		}
		provider, sp, ok := s.opts.Backends.FindByRef(entry.Authority)
		if !ok {
			s.opts.Logger.Warn("no backend for used file", "authority", entry.Authority.Key, "uid", entry.FileUID)
			continue
		}
		outcomes = append(outcomes, s.syncEntry(ctx, entry, provider, sp))
	}
	return outcomes, nil
}

func (s *Scheduler) syncEntry(ctx context.Context, entry *vfs.UsedFileEntry, provider vfs.FileSystemProvider, sp vfs.SyncProcessor) Outcome {
	out := Outcome{Entry: entry}
	status := sp.SyncStatus(ctx, entry.FileUID)
	if status.IsError() {
		out.Status = vfs.SyncError
		out.Err = status.Err()
		s.opts.Logger.Warn("sync status failed", "uid", entry.FileUID, "error", status.Err())
		return out
	}
	out.Status = status.Value()

	switch out.Status {
	case vfs.SyncLocalChanges, vfs.SyncRemoteChanges:
	case vfs.SyncConflict:
		if s.opts.Strategy != vfs.LastModificationWins {
			s.opts.Logger.Warn("conflict needs a decision", "uid", entry.FileUID, "path", entry.FilePath)
			return out
		}
	default:
		return out
	}

	file := vfs.FileDescriptor{
		Authority: provider.Authority(),
		Path:      entry.FilePath,
		UID:       entry.FileUID,
		Name:      entry.FileName,
	}
	res := sp.Resolve(ctx, file, s.opts.Strategy, vfs.NoResolution)
	if res.IsError() {
		out.Err = res.Err()
		s.opts.Logger.Warn("background sync failed", "uid", entry.FileUID, "status", out.Status.String(), "error", res.Err())
		return out
	}
	out.Resolved = res.IsSuccess()
	if res.IsDeferred() {
		out.Err = res.Err()
	}
	s.opts.Logger.Info("background sync", "uid", entry.FileUID, "status", out.Status.String(), "outcome", res.Kind().String())
	return out
}

// Trigger schedules a pass as soon as the running loop is free.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func clampJitterRatio(value float64) float64 {
	switch {
	case value < 0:
		return 0
	case value > 1:
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by ±ratio; sample is in [0,1).
func jitteredIntervalWithSample(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 || ratio == 0 {
		return base
	}
	factor := 1 + ((sample*2)-1)*ratio
	return time.Duration(float64(base) * factor)
}
