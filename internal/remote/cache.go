package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"kpvault-go/internal/fs"
	"kpvault-go/internal/vfs"
)

// FileCache keeps local copies of remote files of one authority. Content lives
// in dir under a name derived from the authority key and the uid; the last
// sync point of each file lives in a SyncRecordStore.
type FileCache struct {
	fs           afero.Fs
	dir          string
	authorityKey string
	records      vfs.SyncRecordStore
	clock        vfs.Clock
}

func NewFileCache(fsys afero.Fs, dir, authorityKey string, records vfs.SyncRecordStore, clock vfs.Clock) *FileCache {
	if clock == nil {
		clock = vfs.RealClock{}
	}
	return &FileCache{fs: fsys, dir: dir, authorityKey: authorityKey, records: records, clock: clock}
}

// Dir is the directory holding cached content.
func (c *FileCache) Dir() string { return c.dir }

// PathFor returns the cache location of uid.
func (c *FileCache) PathFor(uid string) string {
	h := xxhash.New()
	h.WriteString(c.authorityKey)
	h.WriteString("\x00")
	h.WriteString(uid)
	return path.Join(c.dir, strconv.FormatUint(h.Sum64(), 16))
}

// Record returns the last sync point of uid, nil if it was never synced.
func (c *FileCache) Record(ctx context.Context, uid string) (*vfs.SyncRecord, error) {
	rec, err := c.records.GetSyncRecord(ctx, c.authorityKey, uid)
	if err != nil {
		return nil, fmt.Errorf("reading sync record: %w", err)
	}
	return rec, nil
}

// Stat returns the cached content's info, false when nothing is cached.
func (c *FileCache) Stat(uid string) (os.FileInfo, bool, error) {
	info, err := c.fs.Stat(c.PathFor(uid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat cache file: %w", err)
	}
	return info, true, nil
}

func (c *FileCache) Open(uid string) (afero.File, error) {
	f, err := c.fs.Open(c.PathFor(uid))
	if err != nil {
		return nil, fmt.Errorf("opening cache file: %w", err)
	}
	return f, nil
}

// Create starts an atomic local write of uid. It does not touch the sync record,
// so the write shows up as a local change.
func (c *FileCache) Create(uid string) (*fs.AtomicFile, error) {
	if err := c.fs.MkdirAll(c.dir, 0700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return fs.CreateAtomic(c.fs, c.PathFor(uid))
}

// Store replaces the cached content of uid with the downloaded revision and
// records the sync point. fill writes the content and returns its metadata.
func (c *FileCache) Store(ctx context.Context, uid, filePath string, fill func(w io.Writer) (vfs.RemoteFileMetadata, error)) (vfs.RemoteFileMetadata, error) {
	f, err := c.Create(uid)
	if err != nil {
		return vfs.RemoteFileMetadata{}, err
	}
	meta, err := fill(f)
	if err != nil {
		f.Abort()
		return vfs.RemoteFileMetadata{}, err
	}
	if err := f.Close(); err != nil {
		return vfs.RemoteFileMetadata{}, fmt.Errorf("committing cache file: %w", err)
	}
	if err := c.MarkSynced(ctx, uid, filePath, meta); err != nil {
		return vfs.RemoteFileMetadata{}, err
	}
	return meta, nil
}

// MarkSynced records that the cached content of uid equals remote revision meta.
func (c *FileCache) MarkSynced(ctx context.Context, uid, filePath string, meta vfs.RemoteFileMetadata) error {
	info, ok, err := c.Stat(uid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no cached content for %s", uid)
	}
	rec := vfs.SyncRecord{
		AuthorityKey:   c.authorityKey,
		UID:            uid,
		Path:           filePath,
		Revision:       meta.Revision,
		LocalModified:  info.ModTime().UTC(),
		LocalSize:      info.Size(),
		RemoteModified: remoteModified(meta).UTC(),
		SyncedAt:       c.clock.Now().UTC(),
	}
	if err := c.records.PutSyncRecord(ctx, rec); err != nil {
		return fmt.Errorf("writing sync record: %w", err)
	}
	return nil
}

// Remove drops the cached content and the sync record of uid.
func (c *FileCache) Remove(ctx context.Context, uid string) error {
	if err := c.fs.Remove(c.PathFor(uid)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing cache file: %w", err)
	}
	if err := c.records.DeleteSyncRecord(ctx, c.authorityKey, uid); err != nil {
		return fmt.Errorf("deleting sync record: %w", err)
	}
	return nil
}

// localChanged reports whether the cached content was modified after the last
// sync. A size change counts even when the mtime did not move.
func localChanged(rec *vfs.SyncRecord, info os.FileInfo) bool {
	if info == nil {
		return false
	}
	if rec == nil {
		return true
	}
	if rec.LocalSize >= 0 && info.Size() != rec.LocalSize {
		return true
	}
	return info.ModTime().UTC().After(rec.LocalModified)
}

func remoteModified(meta vfs.RemoteFileMetadata) time.Time {
	if !meta.ServerModified.IsZero() {
		return meta.ServerModified
	}
	return meta.ClientModified
}
