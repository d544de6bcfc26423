package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
)

// MockNotifier registra los avisos post-commit.
type MockNotifier struct {
	mock.Mock
}

var _ queueDomain.Notifier = (*MockNotifier)(nil)

func (m *MockNotifier) Notify(ctx context.Context, delay time.Duration) error {
	args := m.Called(ctx, delay)
	return args.Error(0)
}

// MockOutcomeRecorder simula el almacén analítico.
type MockOutcomeRecorder struct {
	mock.Mock
}

var _ queueDomain.OutcomeRecorder = (*MockOutcomeRecorder)(nil)

func (m *MockOutcomeRecorder) LogBatch(ctx context.Context, records []queueDomain.OutcomeRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *MockOutcomeRecorder) GetDailyTrend(ctx context.Context, start, end time.Time) ([]queueDomain.DailyOutcomeTrend, error) {
	args := m.Called(ctx, start, end)
	trend, _ := args.Get(0).([]queueDomain.DailyOutcomeTrend)
	return trend, args.Error(1)
}
