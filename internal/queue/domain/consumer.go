package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/davicafu/agentbox/internal/shared/domain/events"
)

// Delivery expone al handler los datos del intento en curso.
type Delivery struct {
	MsgID        int64
	EventID      string
	ConsumerName string
	ReadCount    int // 1 en el primer intento
	EnqueuedAt   time.Time
	// LastAttempt indica que un error ahora archiva el mensaje como failed.
	LastAttempt  bool
}

// Handler procesa el payload tipado y devuelve un resultado legible.
type Handler[P any] func(ctx context.Context, payload P, d Delivery) (string, error)

// Consumer es la definición tipada que registra cada módulo.
type Consumer[P any] struct {
	Name string
	// Guard se evalúa al encolar; nil = siempre. Debe ser puro.
	Guard func(P) bool
	// Delay retrasa la primera entrega; nil = inmediata.
	Delay func(P) time.Duration
	// VisibilityTimeout es el lease de cada claim; 0 = el del registro.
	VisibilityTimeout time.Duration
	// RetryPolicy; nil = la del registro.
	RetryPolicy RetryPolicy
	Handle      Handler[P]
}

// Definition es la versión sin tipo que guarda el registro.
type Definition struct {
	Name              string
	Event             events.EventName
	VisibilityTimeout time.Duration
	RetryPolicy       RetryPolicy

	match  func(payload any) (bool, time.Duration)
	handle func(ctx context.Context, raw json.RawMessage, d Delivery) (string, error)
}

// Match evalúa guard y delay. Un panic del guard se convierte en ErrGuardFailed.
func (d *Definition) Match(payload any) (matched bool, delay time.Duration, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s/%s: %v", ErrGuardFailed, d.Event, d.Name, p)
		}
	}()
	matched, delay = d.match(payload)
	return matched, delay, nil
}

// Handle decodifica el payload y ejecuta el handler.
func (d *Definition) Handle(ctx context.Context, raw json.RawMessage, del Delivery) (string, error) {
	return d.handle(ctx, raw, del)
}

func newDefinition[P any](evt events.Event[P], c Consumer[P]) (*Definition, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrConsumerInvalid)
	}
	if c.Handle == nil {
		return nil, fmt.Errorf("%w: %s has no handler", ErrConsumerInvalid, name)
	}
	if !events.IsKnown(evt.Name()) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, evt.Name())
	}

	guard, delay, handle := c.Guard, c.Delay, c.Handle
	return &Definition{
		Name:              name,
		Event:             evt.Name(),
		VisibilityTimeout: c.VisibilityTimeout,
		RetryPolicy:       c.RetryPolicy,
		match: func(payload any) (bool, time.Duration) {
			p, ok := payload.(P)
			if !ok {
				panic(fmt.Sprintf("payload type %T does not match event %s", payload, evt.Name()))
			}
			if guard != nil && !guard(p) {
				return false, 0
			}
			var d time.Duration
			if delay != nil {
				d = delay(p)
			}
			if d < 0 {
				d = 0
			}
			return true, d
		},
		handle: func(ctx context.Context, raw json.RawMessage, del Delivery) (string, error) {
			var p P
			if err := json.Unmarshal(raw, &p); err != nil {
				return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
			return handle(ctx, p, del)
		},
	}, nil
}
