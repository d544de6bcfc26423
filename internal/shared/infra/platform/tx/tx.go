// Package tx envuelve *sql.Tx con hooks post-commit.
//
// Los hooks registrados con AfterCommit sólo se ejecutan cuando COMMIT ha
// devuelto sin error; si la transacción hace rollback se descartan.
package tx

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx es la transacción del llamador que se pasa a los repositorios.
type Tx struct {
	*sql.Tx
	afterCommit []func()
}

// AfterCommit registra una función que se ejecutará tras un commit exitoso.
func (t *Tx) AfterCommit(fn func()) {
	if fn == nil {
		return
	}
	t.afterCommit = append(t.afterCommit, fn)
}

// Begin abre una transacción. Prefiere Run salvo que necesites controlar el commit.
func Begin(ctx context.Context, db *sql.DB) (*Tx, error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	return &Tx{Tx: sqlTx}, nil
}

// Commit confirma la transacción y dispara los hooks post-commit.
func (t *Tx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	hooks := t.afterCommit
	t.afterCommit = nil
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Rollback descarta la transacción y sus hooks.
func (t *Tx) Rollback() error {
	t.afterCommit = nil
	return t.Tx.Rollback()
}

// Run ejecuta fn dentro de una transacción: commit si fn devuelve nil,
// rollback en cualquier otro caso (incluido un panic, que se re-lanza).
func Run(ctx context.Context, db *sql.DB, fn func(ctx context.Context, t *Tx) error) (err error) {
	t, err := Begin(ctx, db)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = t.Rollback()
			panic(p)
		}
		if err != nil {
			_ = t.Rollback()
		}
	}()

	if err = fn(ctx, t); err != nil {
		return err
	}
	return t.Commit()
}
