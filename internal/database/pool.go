package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DatabasePool defines the interface for database pool operations.
// It is satisfied by *pgxpool.Pool and by pgxmock pools.
type DatabasePool interface {
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Exec executes a query without returning any rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	// Begin starts a transaction.
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pinger is implemented by pools that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
