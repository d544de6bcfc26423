package mocks

import (
	"context"
	"encoding/json"
	"sync"

	sharedCache "github.com/davicafu/agentbox/internal/shared/infra/platform/cache"
)

// DummyCache guarda los valores serializados en memoria e ignora el TTL.
// Cuenta lecturas y borrados para comprobar el cache-aside de los servicios.
type DummyCache struct {
	mu      sync.RWMutex
	store   map[string][]byte
	hits    int
	deletes int
}

var _ sharedCache.Cache = (*DummyCache)(nil)

func NewDummyCache() *DummyCache {
	return &DummyCache{store: make(map[string][]byte)}
}

func (c *DummyCache) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.store[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	c.hits++
	return true, nil
}

func (c *DummyCache) Set(_ context.Context, key string, val interface{}, _ int) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = data
	return nil
}

func (c *DummyCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	c.deletes++
	return nil
}

// Has indica si la clave está cacheada.
func (c *DummyCache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.store[key]
	return ok
}

func (c *DummyCache) Hits() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits
}

func (c *DummyCache) Deletes() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deletes
}
