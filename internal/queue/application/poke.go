package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	"github.com/davicafu/agentbox/internal/shared/domain/events"
)

const GreetingConsumer = "logGreeting"

// RegisterPokeConsumer registra el consumidor sintético de testing:poke.
// Falla mientras el intento sea <= FailTimes, útil para ver reintentos.
func RegisterPokeConsumer(r *queueDomain.Registry, log *zap.Logger) error {
	return queueDomain.Register(r, events.Poke, queueDomain.Consumer[events.PokePayload]{
		Name: GreetingConsumer,
		Handle: func(_ context.Context, p events.PokePayload, d queueDomain.Delivery) (string, error) {
			if d.ReadCount <= p.FailTimes {
				return "", fmt.Errorf("poke forced failure %d/%d", d.ReadCount, p.FailTimes)
			}
			log.Info("👋 Poke recibido", zap.String("message", p.Message), zap.Int("read_count", d.ReadCount))
			return fmt.Sprintf("logged greeting %q", p.Message), nil
		},
	})
}
