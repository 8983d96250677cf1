package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gryphonracing/rosterlink/internal/sentinel"
)

type txKey struct{}

// WithTx stores a SQL transaction in ctx so store calls made with that ctx
// join it.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFrom extracts the transaction carried by ctx, if any.
func TxFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func conn(ctx context.Context, db *sql.DB) querier {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return db
}

// RunInTx runs fn inside a transaction. The ctx passed to fn carries the
// transaction. fn's error rolls everything back. Nested calls reuse the outer
// transaction.
func RunInTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if _, ok := TxFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit tx", err)
	}
	return nil
}

// unavailable tags a driver error as a storage failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrStorageUnavailable, err)
}
