package session

import "sync"

// cache holds the most recent session payload per session for the lifetime
// of the process. It reflects in-memory writes before they reach durable
// storage, so on reads it takes precedence over the store.
type cache struct {
	mu      sync.RWMutex
	entries map[string]map[string]any
}

func newCache() *cache {
	return &cache{entries: make(map[string]map[string]any)}
}

func (c *cache) get(sessionID string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	payload, ok := c.entries[sessionID]
	return payload, ok
}

func (c *cache) put(sessionID string, payload map[string]any) {
	c.mu.Lock()
	c.entries[sessionID] = payload
	c.mu.Unlock()
}
