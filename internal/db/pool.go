// Package db is the persistence layer: a thin sqlx wrapper around
// PostgreSQL plus one file per table group. The schema is an external
// contract (builds, build_steps, patterns + side tables, matches, scans,
// scanned_patterns, log_metadata) owned outside this module; nothing here
// issues DDL beyond what test fixtures need.
package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/jmoiron/sqlx"
)

// Pool wraps a sqlx connection pool. Every component is handed this
// explicitly rather than reaching for a package-level global, per the
// engine's function-threaded-value design note.
type Pool struct {
	*sqlx.DB
}

// Open connects to Postgres using dsn and caps pool concurrency at
// maxConns, matching the engine's "worker holds at most one connection at a
// time" resource model.
func Open(ctx context.Context, dsn string, maxConns int) (*Pool, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Pool{DB: db}, nil
}

// Close releases the underlying connection pool.
func (p *Pool) Close() error {
	return p.DB.Close()
}
