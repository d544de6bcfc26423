package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/davicafu/agentbox/internal/shared/domain/events"
)

type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusRetrying MessageStatus = "retrying"
	StatusSuccess  MessageStatus = "success"
	StatusFailed   MessageStatus = "failed"
)

// IsTerminal indica si el mensaje debe moverse al archivo.
func (s MessageStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// StoredEvent es una fila inmutable de la tabla events.
type StoredEvent struct {
	ID        string           `json:"id"`
	Name      events.EventName `json:"name"`
	Payload   json.RawMessage  `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

// QueueMessage es la copia de un evento para un consumidor concreto.
// ReadCount es el número de intento: 0 al encolar, 1 en el primer claim.
type QueueMessage struct {
	MsgID             int64            `json:"msg_id"`
	EventID           string           `json:"event_id"`
	EventName         events.EventName `json:"event_name"`
	ConsumerName      string           `json:"consumer_name"`
	Payload           json.RawMessage  `json:"payload"`
	EnqueuedAt        time.Time        `json:"enqueued_at"`
	VisibleAt         time.Time        `json:"visible_at"`
	VisibilityTimeout time.Duration    `json:"visibility_timeout"`
	ReadCount         int              `json:"read_count"`
	Status            MessageStatus    `json:"status"`
	ProcessingResults []string         `json:"processing_results"`
	ArchivedAt        *time.Time       `json:"archived_at,omitempty"`
}

// SuccessEntry formatea la entrada de processing_results de un intento correcto.
func SuccessEntry(readCount int, result string) string {
	return fmt.Sprintf("#%d success: %s", readCount, result)
}

// ErrorEntry formatea la entrada de processing_results de un intento fallido.
func ErrorEntry(readCount int, errMsg, reason string) string {
	return fmt.Sprintf("#%d error: %s. %s", readCount, errMsg, reason)
}

// PeekFilter filtra los listados de operador.
type PeekFilter struct {
	Limit        int
	Offset       int
	MinReadCount int
}

// ConsumerKey agrupa mensajes vivos por (evento, consumidor).
type ConsumerKey struct {
	EventName    events.EventName `json:"event_name"`
	ConsumerName string           `json:"consumer_name"`
	Count        int64            `json:"count"`
}
