package db

import (
	"context"
	"database/sql"
	"errors"
)

// Database abstracts a relational database with connection pooling. The
// submission archive is its only consumer, so the surface stays at plain
// queries plus lifecycle.
type Database interface {
	Querier

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close closes the connection pool.
	Close() error
}

// Querier abstracts query execution.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// Rows abstracts the result of a multi-row query.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row abstracts the result of a single-row query.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result abstracts the result of an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// IsNoRows checks if the error is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
