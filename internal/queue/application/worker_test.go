package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
)

func startWorker(t *testing.T, f *queueFixture, interval time.Duration) *Worker {
	t.Helper()
	// El worker usa el reloj real para que los timers y el claim coincidan.
	f.processor = NewProcessor(f.repo, f.registry, nil, nil, ProcessorConfig{}, zap.NewNop())
	f.enqueuer = NewEnqueuer(f.repo, f.registry, nil, nil, zap.NewNop())
	f.service = NewQueueService(f.db, f.repo, f.registry, f.enqueuer, f.processor, nil, nil, zap.NewNop())

	w := NewWorker(f.processor, interval, zap.NewNop())
	f.enqueuer.SetNotifier(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func archivedCount(f *queueFixture) func() bool {
	return func() bool {
		msgs, err := f.repo.PeekArchive(context.Background(), queueDomain.PeekFilter{Limit: 10})
		return err == nil && len(msgs) > 0
	}
}

func TestWorker_CommitWakesWorkerImmediately(t *testing.T) {
	// Arrange
	f := newQueueFixture(t)
	require.NoError(t, RegisterPokeConsumer(f.registry, zap.NewNop()))
	startWorker(t, f, time.Hour)

	// Act
	_, err := f.service.Poke(context.Background(), "wake", 0)
	require.NoError(t, err)

	// Assert
	assert.Eventually(t, archivedCount(f), 3*time.Second, 20*time.Millisecond)
}

func TestWorker_InitialRunPicksUpBacklog(t *testing.T) {
	f := newQueueFixture(t)
	require.NoError(t, RegisterPokeConsumer(f.registry, zap.NewNop()))
	_, err := f.service.Poke(context.Background(), "backlog", 0)
	require.NoError(t, err)

	startWorker(t, f, time.Hour)

	assert.Eventually(t, archivedCount(f), 3*time.Second, 20*time.Millisecond)
}

func TestWorker_NotifyCollapsesSignals(t *testing.T) {
	w := NewWorker(nil, time.Hour, zap.NewNop())

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Notify(context.Background(), 0))
	}

	assert.Len(t, w.wake, 1)
}

func TestWorker_NotifyWithDelaySchedulesTimer(t *testing.T) {
	w := NewWorker(nil, time.Second, zap.NewNop())

	require.NoError(t, w.Notify(context.Background(), 300*time.Millisecond))
	// Más allá del intervalo se deja al ticker.
	require.NoError(t, w.Notify(context.Background(), time.Minute))

	w.mu.Lock()
	assert.Len(t, w.timers, 1)
	w.mu.Unlock()
	assert.Eventually(t, func() bool { return len(w.wake) == 1 }, time.Second, 10*time.Millisecond)
	w.stopTimers()
}
