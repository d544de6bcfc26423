package application

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	queueSQLite "github.com/davicafu/agentbox/internal/queue/infra/outbound/db/sqlite"
	"github.com/davicafu/agentbox/internal/shared/infra/platform/database"
)

// fakeClock es un reloj controlable compartido por enqueuer y processor.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type queueFixture struct {
	db        *sql.DB
	repo      *queueSQLite.QueueRepoSQLite
	registry  *queueDomain.Registry
	enqueuer  *Enqueuer
	processor *Processor
	service   *QueueService
	clock     *fakeClock
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queueSQLite.InitSchema(ctx, db))

	clock := newFakeClock()
	repo := queueSQLite.NewQueueRepoSQLite(db)
	registry := queueDomain.NewRegistry(queueDomain.RegistryOptions{
		DefaultRetryPolicy: queueDomain.ExponentialBackoff(5, time.Second, 10*time.Second),
	})
	log := zap.NewNop()
	enqueuer := NewEnqueuer(repo, registry, nil, clock.Now, log)
	processor := NewProcessor(repo, registry, nil, clock.Now, ProcessorConfig{}, log)

	return &queueFixture{
		db:        db,
		repo:      repo,
		registry:  registry,
		enqueuer:  enqueuer,
		processor: processor,
		service:   NewQueueService(db, repo, registry, enqueuer, processor, nil, clock.Now, log),
		clock:     clock,
	}
}

// drain procesa la cola avanzando el reloj más allá de cualquier backoff.
func (f *queueFixture) drain(t *testing.T, passes int) Summary {
	t.Helper()
	var total Summary
	for i := 0; i < passes; i++ {
		s, err := f.processor.ProcessQueue(context.Background())
		require.NoError(t, err)
		total.add(s)
		f.clock.Advance(time.Minute)
	}
	return total
}
