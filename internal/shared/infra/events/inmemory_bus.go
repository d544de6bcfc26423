package events

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	sharedBus "github.com/davicafu/agentbox/internal/shared/infra/platform/bus"
)

// InMemoryEventBus implementa un bus de eventos para UN solo topic.
type InMemoryEventBus struct {
	subscribers []chan []byte
	mu          sync.RWMutex
	topic       string
}

var _ sharedBus.EventBus = (*InMemoryEventBus)(nil)

func NewInMemoryEventBus(topic string) *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make([]chan []byte, 0),
		topic:       topic,
	}
}

// Publish serializa el evento y lo reparte a los suscriptores sin bloquear.
// Si el buffer de un suscriptor está lleno el mensaje se pierde para él.
func (b *InMemoryEventBus) Publish(ctx context.Context, event interface{}) error {
	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, subChan := range b.subscribers {
		select {
		case subChan <- payloadBytes:
		default:
		}
	}
	return nil
}

// Subscribe suscribe un nuevo oyente a este bus.
func (b *InMemoryEventBus) Subscribe(bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	subChan := make(chan []byte, bufferSize)
	b.subscribers = append(b.subscribers, subChan)
	return subChan
}

func (b *InMemoryEventBus) Topic() string {
	return b.topic
}

// BackgroundConsumerChan consume un canal del bus en memoria con el mismo
// MessageHandler que usaría el adaptador de Kafka.
func BackgroundConsumerChan(ctx context.Context, ch <-chan []byte, handler MessageHandler) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				handler.HandleMessage(ctx, "", payload)
			}
		}
	}()
}

// LoggingHandler registra cada mensaje recibido; sirve de oyente por defecto
// del bus en memoria.
type LoggingHandler struct {
	Log *zap.Logger
}

func (h LoggingHandler) HandleMessage(_ context.Context, key string, payload []byte) {
	h.Log.Info("📨 Evento de integración", zap.String("key", key), zap.ByteString("payload", payload))
}
