package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by every store when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write loses against a uniqueness constraint.
var ErrConflict = errors.New("conflict")

// Tx is a unit of work. Row locks taken through a Tx are held until Commit or Rollback.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens transactions.
type Beginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// WithTx runs fn inside a transaction, committing on success and rolling back otherwise.
func WithTx(ctx context.Context, db Beginner, fn func(tx Tx) error) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ErrTimeout is returned when a lock wait or statement exceeds its configured timeout.
// The transaction is aborted and the operation can be retried.
var ErrTimeout = errors.New("lock or statement timeout")
