package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/roach88/swingstore/internal/storeerr"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txn is the explicit transaction handle shared by the sub-stores of one
// SwingStore. The SQLite transaction is opened on the first mutation and
// closed only by the orchestrator (Commit/Abort). Reads go through the
// open transaction when there is one; the pool holds a single connection,
// so a read through the DB while a transaction is open would block.
type txn struct {
	db       *sql.DB
	tx       *sql.Tx
	readOnly bool
}

// newReadTxn wraps an already-open read transaction. ensure on the result
// always fails.
func newReadTxn(db *sql.DB, tx *sql.Tx) *txn {
	return &txn{db: db, tx: tx, readOnly: true}
}

// q returns the handle reads should use.
func (t *txn) q() queryer {
	if t.tx != nil {
		return t.tx
	}
	return t.db
}

// active reports whether a transaction is open.
func (t *txn) active() bool {
	return t.tx != nil
}

// ensure opens the transaction if needed and returns it.
func (t *txn) ensure(ctx context.Context) (queryer, error) {
	if t.readOnly {
		return nil, storeerr.State("", "mutation attempted through a read-only view")
	}
	if t.tx != nil {
		return t.tx, nil
	}
	// The transaction outlives the call that opened it.
	tx, err := t.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	t.tx = tx
	return tx, nil
}

// commit commits the open transaction, if any.
func (t *txn) commit() error {
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rollback discards the open transaction, if any.
func (t *txn) rollback() error {
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkSavepointName(name string) error {
	if !savepointName.MatchString(name) {
		return storeerr.Validation(name, "invalid savepoint name")
	}
	return nil
}

// savepoint establishes a named SQLite savepoint inside the transaction.
func (t *txn) savepoint(ctx context.Context, name string) error {
	if err := checkSavepointName(name); err != nil {
		return err
	}
	q, err := t.ensure(ctx)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	return nil
}

// rollbackTo undoes everything after the named savepoint and releases it.
func (t *txn) rollbackTo(ctx context.Context, name string) error {
	if err := checkSavepointName(name); err != nil {
		return err
	}
	if t.tx == nil {
		return storeerr.State(name, "no transaction open for savepoint rollback")
	}
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", name, err)
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// release drops the named savepoint, keeping its changes.
func (t *txn) release(ctx context.Context, name string) error {
	if err := checkSavepointName(name); err != nil {
		return err
	}
	if t.tx == nil {
		return storeerr.State(name, "no transaction open for savepoint release")
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}
