package mocks

import (
	"context"
	"sync"

	sharedBus "github.com/davicafu/agentbox/internal/shared/infra/platform/bus"
)

// DummyPublisher guarda los eventos publicados.
type DummyPublisher struct {
	mu     sync.Mutex
	Events []interface{}
}

var _ sharedBus.EventBus = (*DummyPublisher)(nil)

func (p *DummyPublisher) Publish(_ context.Context, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, event)
	return nil
}

func (p *DummyPublisher) Published() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]interface{}, len(p.Events))
	copy(out, p.Events)
	return out
}
