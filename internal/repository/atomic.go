package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the query surface shared by *pgxpool.Pool and pgx.Tx, so every
// repository method runs the same against the pool or inside a transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// txState is the in-flight transaction plus the hooks to run once it
// commits.
type txState struct {
	tx    pgx.Tx
	after []func()
}

// Atomic runs a function inside one database transaction. The transaction
// travels in the context; repositories pick it up via dbFrom, so multi-row
// units (wallet debit + transaction insert + idempotency reserve) commit or
// roll back together. Nested calls join the outer transaction.
type Atomic struct {
	db *pgxpool.Pool
}

func NewAtomic(db *pgxpool.Pool) *Atomic {
	return &Atomic{db: db}
}

func (a *Atomic) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if stateFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := a.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	state := &txState{tx: tx}
	if err := fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, hook := range state.after {
		hook()
	}
	return nil
}

func stateFrom(ctx context.Context) *txState {
	state, _ := ctx.Value(txKey{}).(*txState)
	return state
}

func txFrom(ctx context.Context) pgx.Tx {
	if state := stateFrom(ctx); state != nil {
		return state.tx
	}
	return nil
}

// afterCommit defers fn until the enclosing transaction commits; a rolled
// back transaction never runs it. With no transaction open, fn runs now.
func afterCommit(ctx context.Context, fn func()) {
	if state := stateFrom(ctx); state != nil {
		state.after = append(state.after, fn)
		return
	}
	fn()
}

// dbFrom returns the in-flight transaction if one is on the context,
// otherwise the pool.
func dbFrom(ctx context.Context, pool *pgxpool.Pool) DB {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return pool
}

// isUniqueViolation reports whether err is a Postgres 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
