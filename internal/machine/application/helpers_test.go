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

	"github.com/davicafu/agentbox/internal/machine/domain"
	machineSQLite "github.com/davicafu/agentbox/internal/machine/infra/outbound/db/sqlite"
	queueApp "github.com/davicafu/agentbox/internal/queue/application"
	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	queueSQLite "github.com/davicafu/agentbox/internal/queue/infra/outbound/db/sqlite"
	sharedBus "github.com/davicafu/agentbox/internal/shared/infra/platform/bus"
	"github.com/davicafu/agentbox/internal/shared/infra/platform/database"
	"github.com/davicafu/agentbox/tests/mocks"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type machineFixture struct {
	db        *sql.DB
	repo      *machineSQLite.MachineRepoSQLite
	queueRepo *queueSQLite.QueueRepoSQLite
	registry  *queueDomain.Registry
	enqueuer  *queueApp.Enqueuer
	processor *queueApp.Processor
	pipeline  *Pipeline
	service   *MachineService
	bus       *mocks.DummyPublisher
	cache     *mocks.DummyCache
	clock     *fakeClock
}

func newMachineFixture(t *testing.T, runtime domain.Runtime, prober domain.Prober) *machineFixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "machines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queueSQLite.InitSchema(ctx, db))
	require.NoError(t, machineSQLite.InitSchema(ctx, db))

	log := zap.NewNop()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	queueRepo := queueSQLite.NewQueueRepoSQLite(db)
	repo := machineSQLite.NewMachineRepoSQLite(db)
	registry := queueDomain.NewRegistry(queueDomain.RegistryOptions{
		DefaultRetryPolicy: queueDomain.ExponentialBackoff(5, time.Second, 10*time.Second),
	})
	enqueuer := queueApp.NewEnqueuer(queueRepo, registry, nil, clock.Now, log)
	processor := queueApp.NewProcessor(queueRepo, registry, nil, clock.Now, queueApp.ProcessorConfig{}, log)
	bus := &mocks.DummyPublisher{}
	cache := mocks.NewDummyCache()

	var eventBus sharedBus.EventBus = bus
	pipeline := NewPipeline(db, repo, enqueuer, runtime, prober, cache, eventBus, clock.Now, PipelineConfig{}, log)
	require.NoError(t, pipeline.Register(registry))

	return &machineFixture{
		db:        db,
		repo:      repo,
		queueRepo: queueRepo,
		registry:  registry,
		enqueuer:  enqueuer,
		processor: processor,
		pipeline:  pipeline,
		service:   NewMachineService(db, repo, enqueuer, runtime, cache, clock.Now, log),
		bus:       bus,
		cache:     cache,
		clock:     clock,
	}
}

// drain procesa la cola avanzando el reloj para saltar warmups y backoffs.
func (f *machineFixture) drain(t *testing.T, passes int) {
	t.Helper()
	for i := 0; i < passes; i++ {
		_, err := f.processor.ProcessQueue(context.Background())
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}
}

func (f *machineFixture) reload(t *testing.T, m *domain.Machine) *domain.Machine {
	t.Helper()
	got, err := f.repo.GetByID(context.Background(), nil, m.ID)
	require.NoError(t, err)
	return got
}

// seed inserta una máquina directamente en el estado indicado.
func (f *machineFixture) seed(t *testing.T, m *domain.Machine) *domain.Machine {
	t.Helper()
	require.NoError(t, f.repo.Create(context.Background(), nil, m))
	return m
}

func (f *machineFixture) archived(t *testing.T, consumer string) []queueDomain.QueueMessage {
	t.Helper()
	msgs, err := f.queueRepo.PeekArchive(context.Background(), queueDomain.PeekFilter{Limit: 200})
	require.NoError(t, err)
	var out []queueDomain.QueueMessage
	for _, m := range msgs {
		if m.ConsumerName == consumer {
			out = append(out, m)
		}
	}
	return out
}
