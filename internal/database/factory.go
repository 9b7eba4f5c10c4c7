package database

import (
	"fmt"
	"os"
	"path/filepath"

	"kpvault-go/internal/config"
	"kpvault-go/internal/vfs"
)

// LedgerFileName is the SQLite file created inside DatabaseConfig.DataDir.
const LedgerFileName = "ledger.db"

// NewDatabaseFromConfig opens the ledger described by cfg and brings its
// schema up to date.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, clock vfs.Clock, ids vfs.IDGenerator) (*SQLiteDatabase, error) {
	var path string
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		path = filepath.Join(cfg.DataDir, LedgerFileName)
	case "memory":
		path = ":memory:"
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}

	db, err := NewSQLiteDatabase(path, clock, ids)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
