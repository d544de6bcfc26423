package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/agentbox/internal/machine/domain"
	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	"github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedQuery "github.com/davicafu/agentbox/internal/shared/infra/platform/query"
	"github.com/davicafu/agentbox/tests/mocks"
)

func queueDeliveryStub() queueDomain.Delivery {
	return queueDomain.Delivery{ReadCount: 1}
}

func TestCreateMachine_StoresMachineAndEvent(t *testing.T) {
	// Arrange
	f := newMachineFixture(t, new(mocks.MockRuntime), new(mocks.MockProber))
	ctx := context.Background()

	// Act
	m, err := f.service.CreateMachine(ctx, uuid.New(), "sandbox", nil)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, domain.StateStarting, m.State)
	stored := f.reload(t, m)
	assert.Equal(t, m.ProjectID, stored.ProjectID)

	msgs, err := f.queueRepo.PeekQueue(ctx, queueDomain.PeekFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, events.MachineCreated.Name(), msgs[0].EventName)
	assert.Equal(t, ConsumerProvision, msgs[0].ConsumerName)
}

func TestCreateMachine_InvalidInput(t *testing.T) {
	f := newMachineFixture(t, new(mocks.MockRuntime), new(mocks.MockProber))

	_, err := f.service.CreateMachine(context.Background(), uuid.Nil, "sandbox", nil)

	assert.ErrorIs(t, err, domain.ErrInvalidMachine)
}

func TestGetMachine_NotFound(t *testing.T) {
	f := newMachineFixture(t, new(mocks.MockRuntime), new(mocks.MockProber))

	_, err := f.service.GetMachine(context.Background(), uuid.New())

	assert.ErrorIs(t, err, domain.ErrMachineNotFound)
}

func TestGetMachine_CacheAsideAndInvalidation(t *testing.T) {
	// Arrange
	f := newMachineFixture(t, new(mocks.MockRuntime), new(mocks.MockProber))
	ctx := context.Background()
	m, err := domain.NewMachine(uuid.New(), "sandbox", nil, f.clock.Now())
	require.NoError(t, err)
	m.ExternalID = "ext-cache"
	f.seed(t, m)
	key := domain.MachineCacheKeyByID(m.ID)

	// Act
	_, err = f.service.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.cache.Has(key) }, time.Second, 5*time.Millisecond)
	cached, err := f.service.GetMachine(ctx, m.ID)
	require.NoError(t, err)

	_, err = f.pipeline.activate(ctx, events.ProbeSucceededPayload{MachineID: m.ID}, queueDeliveryStub())
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 1, f.cache.Hits())
	assert.Equal(t, m.ID, cached.ID)
	assert.False(t, f.cache.Has(key), "la activación invalida la entrada")
	assert.GreaterOrEqual(t, f.cache.Deletes(), 1)
}

func TestListMachines_FiltersByProject(t *testing.T) {
	f := newMachineFixture(t, new(mocks.MockRuntime), new(mocks.MockProber))
	projectID := uuid.New()
	for i := 0; i < 3; i++ {
		m, _ := domain.NewMachine(projectID, "sandbox", nil, f.clock.Now())
		f.seed(t, m)
	}
	other, _ := domain.NewMachine(uuid.New(), "sandbox", nil, f.clock.Now())
	f.seed(t, other)

	list, err := f.service.ListMachines(context.Background(), domain.ProjectIDCriteria{ID: projectID}, sharedQuery.OffsetPagination{Limit: 2}, sharedQuery.Sort{Field: "bogus"})

	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, m := range list {
		assert.Equal(t, projectID, m.ProjectID)
	}
}

func TestRequestArchive_ArchivesThroughQueue(t *testing.T) {
	runtime := new(mocks.MockRuntime)
	runtime.On("Archive", mock.Anything, "ext-1").Return(nil)
	f := newMachineFixture(t, runtime, new(mocks.MockProber))
	m, _ := domain.NewMachine(uuid.New(), "sandbox", nil, f.clock.Now())
	m.ExternalID = "ext-1"
	f.seed(t, m)

	require.NoError(t, f.service.RequestArchive(context.Background(), m.ID, ""))
	f.drain(t, 3)

	assert.Equal(t, domain.StateArchived, f.reload(t, m).State)
	msgs := f.archived(t, ConsumerArchiveMachine)
	require.Len(t, msgs, 1)
	assert.Equal(t, "#1 success: archived (requested)", msgs[0].ProcessingResults[0])
	runtime.AssertExpectations(t)
}

func TestRequestArchive_AlreadyArchived(t *testing.T) {
	f := newMachineFixture(t, new(mocks.MockRuntime), new(mocks.MockProber))
	m, _ := domain.NewMachine(uuid.New(), "sandbox", nil, f.clock.Now())
	m.State = domain.StateArchived
	f.seed(t, m)

	err := f.service.RequestArchive(context.Background(), m.ID, "manual")

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRunCommand(t *testing.T) {
	runtime := new(mocks.MockRuntime)
	f := newMachineFixture(t, runtime, new(mocks.MockProber))
	ctx := context.Background()

	pending, _ := domain.NewMachine(uuid.New(), "sandbox", nil, f.clock.Now())
	f.seed(t, pending)
	ready, _ := domain.NewMachine(uuid.New(), "sandbox", nil, f.clock.Now())
	ready.ExternalID = "ext-ready"
	f.seed(t, ready)

	runtime.On("Restart", mock.Anything, "ext-ready").Return(nil).Once()
	runtime.On("Stop", mock.Anything, "ext-ready").Return(errors.New("timeout")).Once()

	assert.ErrorIs(t, f.service.RunCommand(ctx, pending.ID, domain.CommandStart), domain.ErrMachineNotReady)
	assert.NoError(t, f.service.RunCommand(ctx, ready.ID, domain.CommandRestart))
	assert.ErrorContains(t, f.service.RunCommand(ctx, ready.ID, domain.CommandStop), "timeout")
	assert.ErrorIs(t, f.service.RunCommand(ctx, ready.ID, domain.Command("reboot")), domain.ErrUnsupportedCommand)
	runtime.AssertExpectations(t)
}
