package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/davicafu/agentbox/internal/shared/domain/events"
)

const DefaultVisibilityTimeout = 30 * time.Second

type RegistryOptions struct {
	DefaultVisibilityTimeout time.Duration
	DefaultRetryPolicy       RetryPolicy
}

// Registry es la tabla evento → consumidores. Se construye una vez en main
// y se pasa por referencia a Enqueuer y Processor.
type Registry struct {
	mu      sync.RWMutex
	byEvent map[events.EventName][]*Definition
	byKey   map[consumerKey]*Definition
	opts    RegistryOptions
}

type consumerKey struct {
	event    events.EventName
	consumer string
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.DefaultVisibilityTimeout <= 0 {
		opts.DefaultVisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.DefaultRetryPolicy == nil {
		opts.DefaultRetryPolicy = DefaultRetryPolicy()
	}
	return &Registry{
		byEvent: make(map[events.EventName][]*Definition),
		byKey:   make(map[consumerKey]*Definition),
		opts:    opts,
	}
}

// Register añade un consumidor para evt. El nombre debe ser único por evento.
func Register[P any](r *Registry, evt events.Event[P], c Consumer[P]) error {
	def, err := newDefinition(evt, c)
	if err != nil {
		return err
	}
	if def.VisibilityTimeout <= 0 {
		def.VisibilityTimeout = r.opts.DefaultVisibilityTimeout
	}
	if def.RetryPolicy == nil {
		def.RetryPolicy = r.opts.DefaultRetryPolicy
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := consumerKey{event: def.Event, consumer: def.Name}
	if _, exists := r.byKey[key]; exists {
		return fmt.Errorf("%w: %s/%s", ErrConsumerAlreadyRegistered, def.Event, def.Name)
	}
	r.byKey[key] = def
	r.byEvent[def.Event] = append(r.byEvent[def.Event], def)
	return nil
}

// ConsumersFor devuelve los consumidores de un evento en orden de registro.
func (r *Registry) ConsumersFor(name events.EventName) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := r.byEvent[name]
	out := make([]*Definition, len(defs))
	copy(out, defs)
	return out
}

func (r *Registry) Lookup(name events.EventName, consumer string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byKey[consumerKey{event: name, consumer: consumer}]
	return def, ok
}

// Deregister retira un consumidor. Los mensajes ya encolados para él quedan
// huérfanos hasta que un operador los purgue.
func (r *Registry) Deregister(name events.EventName, consumer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := consumerKey{event: name, consumer: consumer}
	if _, ok := r.byKey[key]; !ok {
		return false
	}
	delete(r.byKey, key)

	defs := r.byEvent[name]
	kept := defs[:0:0]
	for _, d := range defs {
		if d.Name != consumer {
			kept = append(kept, d)
		}
	}
	r.byEvent[name] = kept
	return true
}

// Definitions lista todos los consumidores registrados.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.byKey))
	for _, name := range events.Names() {
		out = append(out, r.byEvent[name]...)
	}
	return out
}
