// Package repo contains all database access logic for the confirmation
// service. Each entity has its own file with an interface and a Postgres
// implementation. No business logic lives here — only SQL and type mapping.
package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// db is the minimal interface satisfied by *pgxpool.Pool, pgx.Conn, and pgx.Tx.
// Accepting this interface instead of *pgxpool.Pool directly allows integration
// tests to pass a transaction that is rolled back after each test, giving free
// per-test isolation without any manual cleanup.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles the repositories and provides transactional composition.
// The orchestrator commits a state change, its payment transactions, and the
// outbox entries for its side effects in a single database transaction
// through WithinTx, so none of them can be observed without the others.
type Store interface {
	Trips() ConfirmedTripRepo
	Transactions() TransactionRepo
	Outbox() OutboxRepo

	// WithinTx runs fn against a Store whose repositories share one database
	// transaction, committing on nil and rolling back on error. Calls on an
	// already transactional Store reuse the existing transaction.
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// pgStore is the Postgres implementation of Store.
type pgStore struct {
	db    db
	pool  *pgxpool.Pool // nil inside a transaction
	trips ConfirmedTripRepo
	txs   TransactionRepo
	out   OutboxRepo
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) Store {
	return newPgStore(pool, pool)
}

// NewStoreFromDB constructs a Store over an arbitrary db handle. In
// integration tests pass a pgx.Tx for rollback isolation; WithinTx then runs
// its function directly on that transaction.
func NewStoreFromDB(d db) Store {
	return newPgStore(d, nil)
}

func newPgStore(d db, pool *pgxpool.Pool) *pgStore {
	return &pgStore{
		db:    d,
		pool:  pool,
		trips: NewConfirmedTripRepo(d),
		txs:   NewTransactionRepo(d),
		out:   NewOutboxRepo(d),
	}
}

func (s *pgStore) Trips() ConfirmedTripRepo      { return s.trips }
func (s *pgStore) Transactions() TransactionRepo { return s.txs }
func (s *pgStore) Outbox() OutboxRepo            { return s.out }

func (s *pgStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// Already inside a transaction (or a test-scoped tx): no nesting.
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repo.Store.WithinTx: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(newPgStore(tx, nil)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repo.Store.WithinTx: commit: %w", err)
	}
	return nil
}

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing the scan
// helpers to be reused for QueryRow and Query calls.
type scanner interface {
	Scan(dest ...any) error
}
