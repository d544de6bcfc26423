package application

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	"github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedTx "github.com/davicafu/agentbox/internal/shared/infra/platform/tx"
)

// Enqueuer implementa el lado de escritura del outbox.
type Enqueuer struct {
	repo     queueDomain.QueueRepository
	registry *queueDomain.Registry
	notifier queueDomain.Notifier
	clock    queueDomain.Clock
	log      *zap.Logger
}

func NewEnqueuer(
	repo queueDomain.QueueRepository,
	registry *queueDomain.Registry,
	notifier queueDomain.Notifier,
	clock queueDomain.Clock,
	log *zap.Logger,
) *Enqueuer {
	if clock == nil {
		clock = queueDomain.SystemClock
	}
	return &Enqueuer{repo: repo, registry: registry, notifier: notifier, clock: clock, log: log}
}

// SetNotifier permite cablear el worker después de construir el Enqueuer.
func (e *Enqueuer) SetNotifier(n queueDomain.Notifier) {
	e.notifier = n
}

type EnqueueResult struct {
	EventID string
	Matched int
}

// Emit inserta el evento y un mensaje por consumidor cuyo guard acepte el
// payload, todo dentro de t. Si el guard de algún consumidor falla se
// devuelve ErrGuardFailed y el llamador debe hacer rollback.
func Emit[P any](ctx context.Context, e *Enqueuer, t *sharedTx.Tx, evt events.Event[P], payload P) (EnqueueResult, error) {
	if t == nil {
		return EnqueueResult{}, queueDomain.ErrTxRequired
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to marshal %s payload: %w", evt.Name(), err)
	}
	return e.enqueue(ctx, t, evt.Name(), payload, raw)
}

func (e *Enqueuer) enqueue(ctx context.Context, t *sharedTx.Tx, name events.EventName, payload any, raw json.RawMessage) (EnqueueResult, error) {
	now := e.clock()
	stored := queueDomain.StoredEvent{
		ID:        ulid.Make().String(),
		Name:      name,
		Payload:   raw,
		CreatedAt: now,
	}
	if err := e.repo.InsertEvent(ctx, t, stored); err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to insert event %s: %w", name, err)
	}

	var msgs []queueDomain.QueueMessage
	earliest := time.Duration(-1)
	for _, def := range e.registry.ConsumersFor(name) {
		matched, delay, err := def.Match(payload)
		if err != nil {
			return EnqueueResult{}, err
		}
		if !matched {
			continue
		}
		msgs = append(msgs, queueDomain.QueueMessage{
			EventID:           stored.ID,
			EventName:         name,
			ConsumerName:      def.Name,
			Payload:           raw,
			EnqueuedAt:        now,
			VisibleAt:         now.Add(delay),
			VisibilityTimeout: def.VisibilityTimeout,
			Status:            queueDomain.StatusPending,
			ProcessingResults: []string{},
		})
		if earliest < 0 || delay < earliest {
			earliest = delay
		}
	}

	if len(msgs) > 0 {
		if _, err := e.repo.InsertMessages(ctx, t, msgs); err != nil {
			return EnqueueResult{}, fmt.Errorf("failed to enqueue %s: %w", name, err)
		}
		if e.notifier != nil {
			wakeIn := earliest
			t.AfterCommit(func() {
				if err := e.notifier.Notify(context.Background(), wakeIn); err != nil {
					e.log.Warn("⚠️ Fallo al despertar al worker tras el commit", zap.String("event", name.String()), zap.Error(err))
				}
			})
		}
	}

	e.log.Debug("Evento encolado",
		zap.String("event", name.String()),
		zap.String("event_id", stored.ID),
		zap.Int("matched", len(msgs)),
	)
	return EnqueueResult{EventID: stored.ID, Matched: len(msgs)}, nil
}
