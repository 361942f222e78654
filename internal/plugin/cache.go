package plugin

import (
	"sync"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/store"
)

// ChainCache memoizes built chains per route at a configuration
// generation. A store swap purges everything and chains are rebuilt
// lazily on first use.
type ChainCache struct {
	factory *Factory
	store   store.Store
	logger  observability.Logger

	mu      sync.RWMutex
	entries map[string]*cachedChain
}

type cachedChain struct {
	chain      *Chain
	generation uint64
}

// NewChainCache creates a cache subscribed to store swaps.
func NewChainCache(st store.Store, factory *Factory, logger observability.Logger) *ChainCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	c := &ChainCache{
		factory: factory,
		store:   st,
		logger:  logger,
		entries: make(map[string]*cachedChain),
	}
	st.Subscribe(c.purge)
	return c
}

// For returns the chain for a route, building it if the cache has no entry
// at the current generation. upstreamRefs is the hierarchy-merged upstream
// scope list, which differs per invoking tenant, so the tenant is part of
// the key.
func (c *ChainCache) For(tenantID, upstreamID string, route *config.Route, upstreamRefs []config.PluginRef) (*Chain, error) {
	gen := c.store.Generation()
	key := tenantID + "|" + upstreamID + "|" + route.ID

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && entry.generation == gen {
		return entry.chain, nil
	}

	var routeRefs []config.PluginRef
	if route.Plugins != nil {
		routeRefs = route.Plugins.Refs
	}
	chain, err := NewChain(upstreamRefs, routeRefs, c.factory, c.logger)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cachedChain{chain: chain, generation: gen}
	c.mu.Unlock()
	return chain, nil
}

func (c *ChainCache) purge() {
	c.mu.Lock()
	c.entries = make(map[string]*cachedChain)
	c.mu.Unlock()
}
