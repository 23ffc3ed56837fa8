// Package testutil holds in-memory stand-ins for the Postgres repositories
// and the payment providers, shared by package tests.
package testutil

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// NoopTx satisfies pgx.Tx; every call succeeds and does nothing.
type NoopTx struct{}

func (NoopTx) Begin(context.Context) (pgx.Tx, error) { return NoopTx{}, nil }
func (NoopTx) Commit(context.Context) error          { return nil }
func (NoopTx) Rollback(context.Context) error        { return nil }
func (NoopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (NoopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (NoopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (NoopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (NoopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (NoopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (NoopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (NoopTx) Conn() *pgx.Conn { return nil }

// Tx is a Store transaction. Writes apply immediately and are undone on
// Rollback unless the transaction committed.
type Tx struct {
	NoopTx
	store *Store
	undo  []func()
	done  bool
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.undo = nil
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.store.Rollbacks++
	return nil
}

// onRollback must be called with the store mutex held.
func (s *Store) onRollback(tx pgx.Tx, fn func()) {
	if t, ok := tx.(*Tx); ok && !t.done {
		t.undo = append(t.undo, fn)
	}
}

// putUndo registers the restore of m[k] to its current value.
func putUndo[K comparable, V any](s *Store, tx pgx.Tx, m map[K]V, k K) {
	prev, existed := m[k]
	s.onRollback(tx, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}
