package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kpvault-go/internal/database/migrations"
	"kpvault-go/internal/vfs"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase is the local ledger: used files, sync records, encrypted
// secrets and document-tree grants.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	clock vfs.Clock
	ids   vfs.IDGenerator
}

// NewSQLiteDatabase opens the ledger at path (or ":memory:").
// A nil clock or id generator falls back to the real implementations.
func NewSQLiteDatabase(path string, clock vfs.Clock, ids vfs.IDGenerator) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = vfs.RealClock{}
	}
	if ids == nil {
		ids = vfs.UUIDGenerator{}
	}
	return &SQLiteDatabase{db: db, path: path, clock: clock, ids: ids}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	return db, nil
}

// Used files

const usedFileColumns = `id, authority_kind, authority_key, file_path, file_uid, file_name,
	added_time, last_access_time, key_type, key_file_authority_kind, key_file_authority_key,
	key_file_path, key_file_uid, key_file_name`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsedFile(row rowScanner) (*vfs.UsedFileEntry, error) {
	var (
		e                     vfs.UsedFileEntry
		kind, keyType         string
		lastAccess            sql.NullTime
		kfKind, kfKey, kfPath sql.NullString
		kfUID, kfName         sql.NullString
	)
	err := row.Scan(&e.ID, &kind, &e.Authority.Key, &e.FilePath, &e.FileUID, &e.FileName,
		&e.AddedTime, &lastAccess, &keyType, &kfKind, &kfKey, &kfPath, &kfUID, &kfName)
	if err != nil {
		return nil, err
	}
	e.Authority.Kind = vfs.ParseBackendKind(kind)
	e.KeyType = vfs.KeyType(keyType)
	if lastAccess.Valid {
		t := lastAccess.Time
		e.LastAccessTime = &t
	}
	if kfKey.Valid {
		e.KeyFile = &vfs.KeyFileRef{
			Authority: vfs.AuthorityRef{Kind: vfs.ParseBackendKind(kfKind.String), Key: kfKey.String},
			Path:      kfPath.String,
			UID:       kfUID.String,
			Name:      kfName.String,
		}
	}
	return &e, nil
}

func keyFileColumns(kf *vfs.KeyFileRef) []any {
	if kf == nil {
		return []any{nil, nil, nil, nil, nil}
	}
	return []any{string(kf.Authority.Kind), kf.Authority.Key, kf.Path, kf.UID, kf.Name}
}

// RecordOpen creates the entry on first open and refreshes it on later opens,
// in one transaction.
func (s *SQLiteDatabase) RecordOpen(ctx context.Context, entry vfs.UsedFileEntry) (*vfs.UsedFileEntry, error) {
	if entry.Authority.Key == "" || entry.FileUID == "" {
		return nil, fmt.Errorf("recording used file: authority and uid are required")
	}
	if entry.KeyType == "" {
		entry.KeyType = vfs.KeyTypePassword
	}
	now := s.clock.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanUsedFile(tx.QueryRowContext(ctx,
		"SELECT "+usedFileColumns+" FROM used_files WHERE authority_key = ? AND file_uid = ?",
		entry.Authority.Key, entry.FileUID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		args := []any{s.ids.New(), string(entry.Authority.Kind), entry.Authority.Key, entry.FilePath,
			entry.FileUID, entry.FileName, now, now, string(entry.KeyType)}
		args = append(args, keyFileColumns(entry.KeyFile)...)
		_, err = tx.ExecContext(ctx, "INSERT INTO used_files ("+usedFileColumns+
			") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", args...)
		if err != nil {
			return nil, fmt.Errorf("inserting used file: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("finding used file: %w", err)
	default:
		args := []any{entry.FilePath, entry.FileName, now, string(entry.KeyType)}
		args = append(args, keyFileColumns(entry.KeyFile)...)
		args = append(args, existing.ID)
		_, err = tx.ExecContext(ctx, `UPDATE used_files SET file_path = ?, file_name = ?,
			last_access_time = ?, key_type = ?, key_file_authority_kind = ?, key_file_authority_key = ?,
			key_file_path = ?, key_file_uid = ?, key_file_name = ? WHERE id = ?`, args...)
		if err != nil {
			return nil, fmt.Errorf("updating used file: %w", err)
		}
	}

	saved, err := scanUsedFile(tx.QueryRowContext(ctx,
		"SELECT "+usedFileColumns+" FROM used_files WHERE authority_key = ? AND file_uid = ?",
		entry.Authority.Key, entry.FileUID))
	if err != nil {
		return nil, fmt.Errorf("reloading used file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return saved, nil
}

func (s *SQLiteDatabase) FindUsedFile(ctx context.Context, authority vfs.AuthorityRef, uid string) (*vfs.UsedFileEntry, error) {
	e, err := scanUsedFile(s.db.QueryRowContext(ctx,
		"SELECT "+usedFileColumns+" FROM used_files WHERE authority_key = ? AND file_uid = ?",
		authority.Key, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding used file: %w", err)
	}
	return e, nil
}

func (s *SQLiteDatabase) ListUsedFiles(ctx context.Context) ([]*vfs.UsedFileEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+usedFileColumns+
		" FROM used_files ORDER BY COALESCE(last_access_time, added_time) DESC, id")
	if err != nil {
		return nil, fmt.Errorf("listing used files: %w", err)
	}
	defer rows.Close()

	var entries []*vfs.UsedFileEntry
	for rows.Next() {
		e, err := scanUsedFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning used file: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing used files: %w", err)
	}
	return entries, nil
}

func (s *SQLiteDatabase) RemoveUsedFile(ctx context.Context, authority vfs.AuthorityRef, uid string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM used_files WHERE authority_key = ? AND file_uid = ?",
		authority.Key, uid)
	if err != nil {
		return fmt.Errorf("removing used file: %w", err)
	}
	return nil
}

// Sync records

func (s *SQLiteDatabase) GetSyncRecord(ctx context.Context, authorityKey, uid string) (*vfs.SyncRecord, error) {
	var r vfs.SyncRecord
	err := s.db.QueryRowContext(ctx, `SELECT authority_key, uid, path, revision, local_modified,
		local_size, remote_modified, synced_at FROM sync_records WHERE authority_key = ? AND uid = ?`,
		authorityKey, uid).Scan(&r.AuthorityKey, &r.UID, &r.Path, &r.Revision, &r.LocalModified,
		&r.LocalSize, &r.RemoteModified, &r.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding sync record: %w", err)
	}
	return &r, nil
}

func (s *SQLiteDatabase) PutSyncRecord(ctx context.Context, rec vfs.SyncRecord) error {
	if rec.SyncedAt.IsZero() {
		rec.SyncedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_records
		(authority_key, uid, path, revision, local_modified, local_size, remote_modified, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (authority_key, uid) DO UPDATE SET path = excluded.path,
			revision = excluded.revision, local_modified = excluded.local_modified,
			local_size = excluded.local_size, remote_modified = excluded.remote_modified,
			synced_at = excluded.synced_at`,
		rec.AuthorityKey, rec.UID, rec.Path, rec.Revision, rec.LocalModified.UTC(),
		rec.LocalSize, rec.RemoteModified.UTC(), rec.SyncedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving sync record: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteSyncRecord(ctx context.Context, authorityKey, uid string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sync_records WHERE authority_key = ? AND uid = ?",
		authorityKey, uid)
	if err != nil {
		return fmt.Errorf("deleting sync record: %w", err)
	}
	return nil
}

// Secrets

// GetSecret returns nil when nothing is stored for (authorityKey, purpose).
func (s *SQLiteDatabase) GetSecret(ctx context.Context, authorityKey, purpose string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT ciphertext FROM secrets WHERE authority_key = ? AND purpose = ?",
		authorityKey, purpose).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	return blob, nil
}

func (s *SQLiteDatabase) PutSecret(ctx context.Context, authorityKey, purpose string, ciphertext []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO secrets (authority_key, purpose, ciphertext, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (authority_key, purpose) DO UPDATE SET ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`,
		authorityKey, purpose, ciphertext, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving secret: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteSecret(ctx context.Context, authorityKey, purpose string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM secrets WHERE authority_key = ? AND purpose = ?",
		authorityKey, purpose)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	return nil
}

// Tree grants

func (s *SQLiteDatabase) ListTreeGrants(ctx context.Context) ([]*vfs.TreeGrant, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, root_path, name, granted_at FROM tree_grants ORDER BY granted_at, id")
	if err != nil {
		return nil, fmt.Errorf("listing tree grants: %w", err)
	}
	defer rows.Close()

	var grants []*vfs.TreeGrant
	for rows.Next() {
		var g vfs.TreeGrant
		if err := rows.Scan(&g.ID, &g.RootPath, &g.Name, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scanning tree grant: %w", err)
		}
		grants = append(grants, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tree grants: %w", err)
	}
	return grants, nil
}

func (s *SQLiteDatabase) AddTreeGrant(ctx context.Context, rootPath, name string) (*vfs.TreeGrant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var g vfs.TreeGrant
	err = tx.QueryRowContext(ctx, "SELECT id, root_path, name, granted_at FROM tree_grants WHERE root_path = ?",
		rootPath).Scan(&g.ID, &g.RootPath, &g.Name, &g.GrantedAt)
	if err == nil {
		return &g, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding tree grant: %w", err)
	}

	g = vfs.TreeGrant{ID: s.ids.New(), RootPath: rootPath, Name: name, GrantedAt: s.clock.Now().UTC()}
	_, err = tx.ExecContext(ctx, "INSERT INTO tree_grants (id, root_path, name, granted_at) VALUES (?, ?, ?, ?)",
		g.ID, g.RootPath, g.Name, g.GrantedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting tree grant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return &g, nil
}

func (s *SQLiteDatabase) RevokeTreeGrant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tree_grants WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("revoking tree grant: %w", err)
	}
	return nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// MigrateUp applies pending schema migrations.
func (s *SQLiteDatabase) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// BackupTo writes a consistent copy of the ledger to destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up ledger: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var (
	_ vfs.UsedFileLedger  = (*SQLiteDatabase)(nil)
	_ vfs.SyncRecordStore = (*SQLiteDatabase)(nil)
	_ vfs.TreeGrantStore  = (*SQLiteDatabase)(nil)
)
