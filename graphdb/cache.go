package graphdb

import (
	"sync"

	"github.com/fgrzl/graphstore"
)

// cache maps storage keys to the entity last confirmed by the backend. It is
// only written after a successful write, and the mutex is its single
// serialization point.
type cache struct {
	mu      sync.RWMutex
	byKey   map[string]graphstore.Snapshot
	keyByID map[string]string
}

func newCache() *cache {
	return &cache{
		byKey:   make(map[string]graphstore.Snapshot),
		keyByID: make(map[string]string),
	}
}

func (c *cache) get(key string) (graphstore.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byKey[key]
	return s, ok
}

// put binds key to s. The backend keeps one key per entity id and one entity
// per key, so any other binding of either side is dropped.
func (c *cache) put(key string, s graphstore.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.byKey[key]; ok && old.ID() != s.ID() && c.keyByID[old.ID()] == key {
		delete(c.keyByID, old.ID())
	}
	if other, ok := c.keyByID[s.ID()]; ok && other != key {
		delete(c.byKey, other)
	}
	c.byKey[key] = s
	c.keyByID[s.ID()] = key
}

func (c *cache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.byKey[key]; ok {
		if c.keyByID[s.ID()] == key {
			delete(c.keyByID, s.ID())
		}
		delete(c.byKey, key)
	}
}

func (c *cache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[string]graphstore.Snapshot)
	c.keyByID = make(map[string]string)
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}
