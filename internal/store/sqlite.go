package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteBusyTimeout is appended to DSNs without query parameters so concurrent writers wait
// instead of failing with SQLITE_BUSY.
const sqliteBusyTimeout = "_busy_timeout=5000"

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the SQLite backend. It keeps a single connection, so writes are serialized.
type SQLiteStore struct {
	sqlStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database file named by the DSN, creating its directory if needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := resolveOpts(opts)
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteBusyTimeout
	}
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	base, err := prepareDB(db, "SQLiteStore", sqliteMigrations, false)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{base}, nil
}
