// Package db provides the SQLite database backing the durable sync store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "offlinesync.db"

// DB wraps the sql.DB with the engine's connection settings.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the engine database inside dataDir and applies
// pending migrations. The database is opened with:
// - WAL mode for concurrent reads/writes
// - a single connection, since SQLite has one writer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the database at an explicit path. ":memory:" is accepted for tests.
func OpenPath(path string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO. busy_timeout goes in the DSN so every
	// connection the pool opens waits on another process's write lock.
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if path != ":memory:" {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	m := NewMigrator(sqlDB, Migrations)
	if err := m.Initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{sqlDB}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
