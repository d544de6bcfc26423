package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/agentbox/internal/shared/infra/platform/bus"
)

// HeaderEventType permite filtrar por tipo sin decodificar el valor.
const HeaderEventType = "event-type"

// KafkaPublisher publica eventos de integración; la clave es el id del agregado.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewKafkaPublisher(writer *kafka.Writer, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event interface{}) error {
	msg, err := toKafkaMessage(event)
	if err != nil {
		return err
	}
	fields := []zap.Field{zap.ByteString("aggregate_id", msg.Key), zap.String("type", eventType(event))}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("❌ Error al publicar en Kafka", append(fields, zap.Error(err))...)
		return err
	}

	p.log.Debug("✅ Evento publicado en Kafka", fields...)
	return nil
}

func toKafkaMessage(event interface{}) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{Value: data}
	if keyer, ok := event.(sharedBus.Keyer); ok {
		msg.Key = []byte(keyer.PartitionKey())
	}
	if t := eventType(event); t != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: HeaderEventType, Value: []byte(t)})
	}
	return msg, nil
}

func eventType(event interface{}) string {
	if typed, ok := event.(sharedBus.Typed); ok {
		return typed.EventType()
	}
	return ""
}

// Verificación estática
var _ sharedBus.EventBus = (*KafkaPublisher)(nil)
