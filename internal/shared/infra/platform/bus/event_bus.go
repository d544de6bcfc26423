package bus

import "context"

// Keyer fija la partición: los eventos de un mismo agregado salen en orden.
type Keyer interface {
	PartitionKey() string
}

// Typed expone el nombre del evento para cabeceras y logs sin decodificar el payload.
type Typed interface {
	EventType() string
}

// EventBus publica eventos de integración hacia otros contextos. El
// formato del mensaje lo decide cada adapter.
type EventBus interface {
	Publish(ctx context.Context, event interface{}) error
}
