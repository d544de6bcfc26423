package domain

import (
	"context"
	"time"

	"github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
)

// QueueRepository es el almacén durable: tabla events + cola + archivo.
type QueueRepository interface {
	// InsertEvent y InsertMessages corren en la transacción del llamador.
	InsertEvent(ctx context.Context, t *sharedTx.Tx, evt StoredEvent) error
	InsertMessages(ctx context.Context, t *sharedTx.Tx, msgs []QueueMessage) ([]int64, error)

	// Claim reclama hasta limit mensajes visibles en now: incrementa read_count
	// y mueve visible_at a now + visibility_timeout en una sola operación atómica.
	Claim(ctx context.Context, now time.Time, limit int) ([]QueueMessage, error)
	// Retry guarda status/resultados y la nueva visibilidad. Falla con
	// ErrLeaseLost si read_count ya no coincide.
	Retry(ctx context.Context, msg QueueMessage, visibleAt time.Time) error
	// Archive mueve el mensaje al archivo con su estado terminal.
	Archive(ctx context.Context, msg QueueMessage, archivedAt time.Time) error

	GetEvent(ctx context.Context, id string) (*StoredEvent, error)
	PeekQueue(ctx context.Context, f PeekFilter) ([]QueueMessage, error)
	PeekArchive(ctx context.Context, f PeekFilter) ([]QueueMessage, error)

	CountByConsumer(ctx context.Context) ([]ConsumerKey, error)
	DeleteByConsumer(ctx context.Context, event events.EventName, consumer string) (int64, error)
}

// Notifier despierta a los procesadores cuando hay trabajo nuevo.
type Notifier interface {
	Notify(ctx context.Context, delay time.Duration) error
}

// OutcomeRecord es una fila analítica por intento procesado.
type OutcomeRecord struct {
	MsgID        int64
	EventName    events.EventName
	ConsumerName string
	ReadCount    int
	Status       MessageStatus
	Duration     time.Duration
	ProcessedAt  time.Time
}

type DailyOutcomeTrend struct {
	Day       time.Time `json:"day"`
	Succeeded int       `json:"succeeded"`
	Retried   int       `json:"retried"`
	Failed    int       `json:"failed"`
}

// OutcomeRecorder recibe los resultados por lotes (ClickHouse en producción).
type OutcomeRecorder interface {
	LogBatch(ctx context.Context, records []OutcomeRecord) error
	GetDailyTrend(ctx context.Context, start, end time.Time) ([]DailyOutcomeTrend, error)
}
