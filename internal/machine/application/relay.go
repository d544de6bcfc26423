package application

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	"github.com/davicafu/agentbox/internal/shared/domain/events"
	sharedBus "github.com/davicafu/agentbox/internal/shared/infra/platform/bus"
)

// registerRelay publica machine:activated y machine:archived en el bus de
// integración (Kafka o en memoria). Un fallo de publicación se reintenta
// con la política de la cola.
func registerRelay(r *queueDomain.Registry, bus sharedBus.EventBus, clock queueDomain.Clock, log *zap.Logger) error {
	if err := queueDomain.Register(r, events.MachineActivated, queueDomain.Consumer[events.MachineActivatedPayload]{
		Name: ConsumerRelay,
		Handle: func(ctx context.Context, e events.MachineActivatedPayload, d queueDomain.Delivery) (string, error) {
			return relay(ctx, bus, clock, log, events.MachineActivated.Name(), e.MachineID.String(), e, d)
		},
	}); err != nil {
		return err
	}
	return queueDomain.Register(r, events.MachineArchived, queueDomain.Consumer[events.MachineArchivedPayload]{
		Name: ConsumerRelay,
		Handle: func(ctx context.Context, e events.MachineArchivedPayload, d queueDomain.Delivery) (string, error) {
			return relay(ctx, bus, clock, log, events.MachineArchived.Name(), e.MachineID.String(), e, d)
		},
	})
}

func relay(ctx context.Context, bus sharedBus.EventBus, clock queueDomain.Clock, log *zap.Logger,
	name events.EventName, aggregateID string, payload any, d queueDomain.Delivery) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	evt := events.IntegrationEvent{
		Type:        name.String(),
		AggregateID: aggregateID,
		Timestamp:   clock(),
		Data:        data,
	}
	if err := bus.Publish(ctx, evt); err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", name, err)
	}
	log.Debug("📨 Evento de integración reenviado", zap.String("event", name.String()), zap.String("event_id", d.EventID))
	return "published " + name.String(), nil
}
