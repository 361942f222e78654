package hierarchy

import "sync"

// effectiveCache memoizes resolved configurations for the lifetime of one
// resource snapshot. A generation mismatch on read misses; a snapshot swap
// purges everything.
type effectiveCache struct {
	mu      sync.RWMutex
	entries map[string]*Effective
}

func newEffectiveCache() *effectiveCache {
	return &effectiveCache{entries: make(map[string]*Effective)}
}

func (c *effectiveCache) get(key string, generation uint64) (*Effective, bool) {
	c.mu.RLock()
	eff, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || eff.Generation != generation {
		return nil, false
	}
	return eff, true
}

func (c *effectiveCache) put(key string, generation uint64, eff *Effective) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[key]; ok && cur.Generation >= generation {
		return
	}
	c.entries[key] = eff
}

func (c *effectiveCache) purge() {
	c.mu.Lock()
	c.entries = make(map[string]*Effective)
	c.mu.Unlock()
}
