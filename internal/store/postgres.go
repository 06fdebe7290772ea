package store

import (
	"database/sql"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Pool limits for the PostgreSQL backend.
const (
	PostgresMaxOpenConns    = 25
	PostgresMaxIdleConns    = 25
	PostgresConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the PostgreSQL backend. Placeholders are rebound to $n.
type PostgresStore struct {
	sqlStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := resolveOpts(opts)
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	db, err := sql.Open(DriverPostgres, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(PostgresMaxOpenConns)
	db.SetMaxIdleConns(PostgresMaxIdleConns)
	db.SetConnMaxLifetime(PostgresConnMaxLifetime)

	base, err := prepareDB(db, "PostgresStore", postgresMigrations, true)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{base}, nil
}
