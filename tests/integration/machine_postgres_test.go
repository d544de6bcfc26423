package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	machineApp "github.com/davicafu/agentbox/internal/machine/application"
	"github.com/davicafu/agentbox/internal/machine/domain"
	machinePostgres "github.com/davicafu/agentbox/internal/machine/infra/outbound/db/postgre"
	"github.com/davicafu/agentbox/internal/machine/infra/outbound/filesystem"
	queueApp "github.com/davicafu/agentbox/internal/queue/application"
	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	queuePostgres "github.com/davicafu/agentbox/internal/queue/infra/outbound/db/postgre"
	sharedDomain "github.com/davicafu/agentbox/internal/shared/domain"
	"github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedQuery "github.com/davicafu/agentbox/internal/shared/infra/platform/query"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
)

func TestMachineRepoPostgres_CreateUpdateAndList(t *testing.T) {
	// Arrange
	db := setupPostgresTestDB(t)
	repo := machinePostgres.NewMachineRepoPostgres(db)
	ctx := context.Background()
	now := newTestClock().Now()
	projectID := uuid.New()

	m, err := domain.NewMachine(projectID, "sandbox", []byte(`{"owner":"ana"}`), now)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, nil, m))

	// Act
	m.ExternalID = "ext-1"
	require.NoError(t, m.Activate(now.Add(time.Second)))
	updateErr := repo.Update(ctx, nil, m, domain.StateStarting)
	staleErr := repo.Update(ctx, nil, m, domain.StateStarting)
	got, getErr := repo.GetByID(ctx, nil, m.ID)
	_, missingErr := repo.GetByID(ctx, nil, uuid.New())

	// Assert
	require.NoError(t, updateErr)
	assert.True(t, errors.Is(staleErr, domain.ErrStateChanged))
	require.NoError(t, getErr)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, "ext-1", got.ExternalID)
	assert.JSONEq(t, `{"owner":"ana"}`, string(got.Metadata))
	assert.True(t, errors.Is(missingErr, domain.ErrMachineNotFound))

	active, err := repo.ListByCriteria(ctx,
		sharedDomain.And(domain.ProjectIDCriteria{ID: projectID}, domain.StateCriteria{State: domain.StateActive}),
		sharedQuery.OffsetPagination{Limit: 10}, sharedQuery.Sort{Field: "created_at"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, m.ID, active[0].ID)
}

func TestMachinePipelinePostgres_ConcurrentActivationsLeaveOneActive(t *testing.T) {
	// Arrange
	db := setupPostgresTestDB(t)
	ctx := context.Background()
	log := zap.NewNop()
	clock := newTestClock()

	queueRepo := queuePostgres.NewQueueRepoPostgres(db)
	machineRepo := machinePostgres.NewMachineRepoPostgres(db)
	registry := queueDomain.NewRegistry(queueDomain.RegistryOptions{
		DefaultRetryPolicy: queueDomain.ExponentialBackoff(5, time.Second, 10*time.Second),
	})
	enqueuer := queueApp.NewEnqueuer(queueRepo, registry, nil, clock.Now, log)
	runtime := filesystem.NewJSONRuntime(filepath.Join(t.TempDir(), "runtime.json"))
	pipeline := machineApp.NewPipeline(db, machineRepo, enqueuer, runtime, filesystem.NewLocalProber(runtime),
		nil, nil, clock.Now, machineApp.PipelineConfig{}, log)
	require.NoError(t, pipeline.Register(registry))

	projectID := uuid.New()
	const n = 4
	for i := 0; i < n; i++ {
		m, err := domain.NewMachine(projectID, "sandbox", nil, clock.Now())
		require.NoError(t, err)
		m.ExternalID = uuid.NewString()
		require.NoError(t, machineRepo.Create(ctx, nil, m))
		require.NoError(t, sharedTx.Run(ctx, db, func(ctx context.Context, tx *sharedTx.Tx) error {
			_, err := queueApp.Emit(ctx, enqueuer, tx, events.MachineProbeSucceeded, events.ProbeSucceededPayload{MachineID: m.ID})
			return err
		}))
	}

	// Act: un procesador por mensaje, todos a la vez
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := queueApp.NewProcessor(queueRepo, registry, nil, clock.Now, queueApp.ProcessorConfig{BatchSize: 1, MaxBatches: 1}, log)
			_, err := p.ProcessQueue(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// Un claim concurrente puede volver vacío; lo que quede se procesa en serie
	drainer := queueApp.NewProcessor(queueRepo, registry, nil, clock.Now, queueApp.ProcessorConfig{}, log)
	for i := 0; i < 3; i++ {
		_, err := drainer.ProcessQueue(ctx)
		require.NoError(t, err)
	}

	// Assert
	count := func(state domain.MachineState) int {
		ms, err := machineRepo.ListByCriteria(ctx,
			sharedDomain.And(domain.ProjectIDCriteria{ID: projectID}, domain.StateCriteria{State: state}),
			sharedQuery.OffsetPagination{Limit: 10}, sharedQuery.Sort{Field: "created_at"})
		require.NoError(t, err)
		return len(ms)
	}
	assert.Equal(t, 1, count(domain.StateActive))
	assert.Equal(t, n-1, count(domain.StateDetached))

	activations, err := queueRepo.PeekArchive(ctx, queueDomain.PeekFilter{Limit: 50})
	require.NoError(t, err)
	succeeded := 0
	for _, m := range activations {
		if m.ConsumerName == machineApp.ConsumerActivate && m.Status == queueDomain.StatusSuccess {
			succeeded++
		}
	}
	assert.Equal(t, n, succeeded)
}
