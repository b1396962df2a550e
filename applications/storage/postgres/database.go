// Package postgres is the storage layer: a TimescaleDB-backed Postgres schema
// (hypertables, retention, compression, continuous aggregates expressed as
// plain SQL in numbered migrations), plus the repositories the rest of the
// collector reads and writes through.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/jmoiron/sqlx"
)

// DB wraps both a raw *sql.DB (hot insert path, matching the demonstrated
// teacher idiom of parameterized raw queries) and a *sqlx.DB built on the
// same connection pool (struct-scanning for read/reporting queries).
type DB struct {
	SQL  *sql.DB
	SQLX *sqlx.DB
}

// Open connects to Postgres, verifies reachability, and tunes the pool.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return &DB{SQL: sqlDB, SQLX: sqlx.NewDb(sqlDB, "postgres")}, nil
}

func (db *DB) Close() error {
	return db.SQL.Close()
}
