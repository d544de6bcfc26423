package tx

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/agentbox/internal/shared/infra/platform/database"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE items (name TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func countItems(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func TestRun_CommitFiresHooksAfterCommit(t *testing.T) {
	// Arrange
	db := newDB(t)
	var visibleInHook int

	// Act
	err := Run(context.Background(), db, func(ctx context.Context, t *Tx) error {
		if _, err := t.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`); err != nil {
			return err
		}
		t.AfterCommit(func() {
			// El hook ve la fila ya confirmada desde otra conexión
			_ = db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&visibleInHook)
		})
		t.AfterCommit(nil)
		return nil
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, visibleInHook)
	assert.Equal(t, 1, countItems(t, db))
}

func TestRun_ErrorRollsBackAndDropsHooks(t *testing.T) {
	db := newDB(t)
	fired := false
	boom := errors.New("boom")

	err := Run(context.Background(), db, func(ctx context.Context, t *Tx) error {
		if _, err := t.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`); err != nil {
			return err
		}
		t.AfterCommit(func() { fired = true })
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, fired)
	assert.Equal(t, 0, countItems(t, db))
}

func TestRun_PanicRollsBackAndRepanics(t *testing.T) {
	db := newDB(t)
	fired := false

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = Run(context.Background(), db, func(ctx context.Context, t *Tx) error {
			_, _ = t.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`)
			t.AfterCommit(func() { fired = true })
			panic("kaboom")
		})
	})

	assert.False(t, fired)
	assert.Equal(t, 0, countItems(t, db))
}
