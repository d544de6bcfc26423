package events

import (
	"encoding/json"
	"time"
)

// IntegrationEvent es el sobre que viaja por el bus hacia otros contextos.
type IntegrationEvent struct {
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"` // contenido específico del evento
}

func (e IntegrationEvent) PartitionKey() string {
	return e.AggregateID
}

func (e IntegrationEvent) EventType() string {
	return e.Type
}
