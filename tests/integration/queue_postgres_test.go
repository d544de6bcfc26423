package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	queueApp "github.com/davicafu/agentbox/internal/queue/application"
	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	queuePostgres "github.com/davicafu/agentbox/internal/queue/infra/outbound/db/postgre"
	"github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
)

func seedMessages(ctx context.Context, t *testing.T, db *sql.DB, repo *queuePostgres.QueueRepoPostgres, id string, n int, at time.Time) {
	t.Helper()
	payload := json.RawMessage(`{"message":"hi"}`)
	err := sharedTx.Run(ctx, db, func(ctx context.Context, tx *sharedTx.Tx) error {
		if err := repo.InsertEvent(ctx, tx, queueDomain.StoredEvent{ID: id, Name: events.Poke.Name(), Payload: payload, CreatedAt: at}); err != nil {
			return err
		}
		msgs := make([]queueDomain.QueueMessage, 0, n)
		for i := 0; i < n; i++ {
			msgs = append(msgs, queueDomain.QueueMessage{
				EventID:           id,
				EventName:         events.Poke.Name(),
				ConsumerName:      fmt.Sprintf("consumer-%d", i),
				Payload:           payload,
				EnqueuedAt:        at,
				VisibleAt:         at,
				VisibilityTimeout: 30 * time.Second,
				Status:            queueDomain.StatusPending,
			})
		}
		_, err := repo.InsertMessages(ctx, tx, msgs)
		return err
	})
	require.NoError(t, err)
}

func TestQueuePostgres_ConcurrentClaimsAreDisjoint(t *testing.T) {
	// Arrange
	db := setupPostgresTestDB(t)
	repo := queuePostgres.NewQueueRepoPostgres(db)
	ctx := context.Background()
	clock := newTestClock()
	seedMessages(ctx, t, db, repo, "evt-concurrent", 20, clock.Now())

	// Act
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int64]int{}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := repo.Claim(ctx, clock.Now(), 5)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				seen[m.MsgID]++
			}
		}()
	}
	wg.Wait()
	// Bajo contención un claim puede devolver menos de su límite; recoge el resto
	rest, err := repo.Claim(ctx, clock.Now(), 20)
	require.NoError(t, err)
	for _, m := range rest {
		seen[m.MsgID]++
	}

	// Assert
	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %d claimed more than once", id)
	}
}

func TestQueuePostgres_StaleLeaseIsFenced(t *testing.T) {
	// Arrange
	db := setupPostgresTestDB(t)
	repo := queuePostgres.NewQueueRepoPostgres(db)
	ctx := context.Background()
	clock := newTestClock()
	seedMessages(ctx, t, db, repo, "evt-lease", 1, clock.Now())

	first, err := repo.Claim(ctx, clock.Now(), 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	clock.Advance(31 * time.Second)
	second, err := repo.Claim(ctx, clock.Now(), 1)
	require.NoError(t, err)
	require.Len(t, second, 1)

	// Act
	stale := first[0]
	stale.Status = queueDomain.StatusSuccess
	archiveErr := repo.Archive(ctx, stale, clock.Now())
	retryErr := repo.Retry(ctx, stale, clock.Now())

	// Assert
	assert.True(t, errors.Is(archiveErr, queueDomain.ErrLeaseLost))
	assert.True(t, errors.Is(retryErr, queueDomain.ErrLeaseLost))
	assert.Equal(t, 2, second[0].ReadCount)

	current := second[0]
	current.Status = queueDomain.StatusSuccess
	current.ProcessingResults = []string{"#2 success: ok"}
	require.NoError(t, repo.Archive(ctx, current, clock.Now()))

	archived, err := repo.PeekArchive(ctx, queueDomain.PeekFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, []string{"#2 success: ok"}, archived[0].ProcessingResults)
	live, err := repo.PeekQueue(ctx, queueDomain.PeekFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestQueuePostgres_PokeRetriesThenSucceeds(t *testing.T) {
	// Arrange
	db := setupPostgresTestDB(t)
	ctx := context.Background()
	log := zap.NewNop()
	clock := newTestClock()
	repo := queuePostgres.NewQueueRepoPostgres(db)
	registry := queueDomain.NewRegistry(queueDomain.RegistryOptions{
		DefaultRetryPolicy: queueDomain.ExponentialBackoff(5, time.Second, 10*time.Second),
	})
	require.NoError(t, queueApp.RegisterPokeConsumer(registry, log))
	enqueuer := queueApp.NewEnqueuer(repo, registry, nil, clock.Now, log)
	processor := queueApp.NewProcessor(repo, registry, nil, clock.Now, queueApp.ProcessorConfig{}, log)
	service := queueApp.NewQueueService(db, repo, registry, enqueuer, processor, nil, clock.Now, log)

	res, err := service.Poke(ctx, "pg", 2)
	require.NoError(t, err)

	// Act
	for i := 0; i < 3; i++ {
		_, err := service.ProcessQueue(ctx)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	// Assert
	archived, err := service.PeekArchive(ctx, queueDomain.PeekFilter{})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, res.EventID, archived[0].EventID)
	assert.Equal(t, queueDomain.StatusSuccess, archived[0].Status)
	require.Len(t, archived[0].ProcessingResults, 3)
	assert.Equal(t, `#3 success: logged greeting "pg"`, archived[0].ProcessingResults[2])

	evt, err := repo.GetEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, events.Poke.Name(), evt.Name)
}
