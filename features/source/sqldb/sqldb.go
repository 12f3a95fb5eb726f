// Package sqldb opens the relational source databases the poll adapters
// read from. Connections go through pgx's database/sql driver and are
// wrapped in sqlx for named scanning.
package sqldb

import (
	"context"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx driver
	"github.com/jmoiron/sqlx"
)

const (
	driverName = "pgx"

	defaultMaxOpenConns = 8
	defaultPingTimeout  = 10 * time.Second
)

// Options configures a source database connection.
type Options struct {
	// DSN is the connection string. Required.
	DSN string
	// Name identifies the connection in health reports. Defaults to
	// "source-db".
	Name string
	// MaxOpenConns bounds the pool. Defaults to 8; the poll adapters issue
	// one query per tick, so the pool stays small.
	MaxOpenConns int
	// ConnMaxLifetime recycles connections. Zero keeps them indefinitely.
	ConnMaxLifetime time.Duration
	// PingTimeout bounds the connect-time liveness check. Defaults to 10s.
	PingTimeout time.Duration
}

// DB is a source database handle. It satisfies health.Pinger so the
// operator API can report source connectivity.
type DB struct {
	*sqlx.DB
	name string
}

// Connect opens the source database and verifies it answers.
func Connect(ctx context.Context, opts Options) (*DB, error) {
	if opts.DSN == "" {
		return nil, errors.New("sqldb: dsn is required")
	}
	name := opts.Name
	if name == "" {
		name = "source-db"
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}

	db, err := sqlx.Open(driverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open %s: %w", name, err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqldb: ping %s: %w", name, err)
	}
	return &DB{DB: db, name: name}, nil
}

// Wrap adapts an existing handle, e.g. a sqlmock connection in tests.
func Wrap(db *sqlx.DB, name string) *DB {
	if name == "" {
		name = "source-db"
	}
	return &DB{DB: db, name: name}
}

// Name implements health.Pinger.
func (d *DB) Name() string { return d.name }

// Ping implements health.Pinger.
func (d *DB) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return d.PingContext(ctx)
}
