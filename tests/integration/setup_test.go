package integration

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	machinePostgres "github.com/davicafu/agentbox/internal/machine/infra/outbound/db/postgre"
	queuePostgres "github.com/davicafu/agentbox/internal/queue/infra/outbound/db/postgre"
	"github.com/davicafu/agentbox/internal/shared/infra/platform/database"
)

// setupPostgresTestDB se conecta a Postgres, crea el esquema y limpia las tablas.
func setupPostgresTestDB(t *testing.T) *sql.DB {
	t.Helper()
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		t.Skip("DATABASE_URL no está configurada, saltando test de integración con Postgres")
	}

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, queuePostgres.InitSchema(ctx, db))
	require.NoError(t, machinePostgres.InitSchema(ctx, db))

	// Aislamiento entre tests
	_, err = db.ExecContext(ctx, `TRUNCATE TABLE queue_archive, queue_messages, events, machines RESTART IDENTITY`)
	require.NoError(t, err)
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
