package store

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/observability"
)

// snapshot is one immutable, indexed view of the configuration.
type snapshot struct {
	tenants   map[string]*config.Tenant
	upstreams map[string]*config.Upstream
	// aliasIndex is keyed by tenant id + "/" + lowercased effective alias.
	aliasIndex map[string]*config.Upstream
	routes     []*config.Route
	byUpstream map[string][]*config.Route
	plugins    map[string]*config.PluginDef
}

// MemoryStore serves validated configuration snapshots. Reads never block
// writes; Swap installs a fresh snapshot atomically and notifies
// subscribers so derived caches invalidate.
type MemoryStore struct {
	current    atomic.Pointer[snapshot]
	generation atomic.Uint64
	logger     observability.Logger

	mu          sync.Mutex
	subscribers []func()
}

// NewMemoryStore builds a store from an already validated configuration.
func NewMemoryStore(cfg *config.Config, logger observability.Logger) *MemoryStore {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &MemoryStore{logger: logger}
	s.current.Store(buildSnapshot(cfg))
	s.generation.Store(1)
	return s
}

func buildSnapshot(cfg *config.Config) *snapshot {
	snap := &snapshot{
		tenants:    make(map[string]*config.Tenant, len(cfg.Tenants)),
		upstreams:  make(map[string]*config.Upstream, len(cfg.Upstreams)),
		aliasIndex: make(map[string]*config.Upstream, len(cfg.Upstreams)),
		routes:     make([]*config.Route, 0, len(cfg.Routes)),
		byUpstream: make(map[string][]*config.Route),
		plugins:    make(map[string]*config.PluginDef, len(cfg.Plugins)),
	}

	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		snap.tenants[t.ID] = t
	}
	for i := range cfg.Upstreams {
		u := &cfg.Upstreams[i]
		snap.upstreams[u.ID] = u
		snap.aliasIndex[aliasKey(u.Tenant, u.EffectiveAlias())] = u
	}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		snap.routes = append(snap.routes, r)
		snap.byUpstream[r.Upstream] = append(snap.byUpstream[r.Upstream], r)
	}
	for i := range cfg.Plugins {
		p := &cfg.Plugins[i]
		snap.plugins[p.ID] = p
	}
	return snap
}

func aliasKey(tenantID, alias string) string {
	return tenantID + "/" + strings.ToLower(alias)
}

// Swap installs a new configuration snapshot and notifies subscribers.
func (s *MemoryStore) Swap(cfg *config.Config) {
	s.current.Store(buildSnapshot(cfg))
	gen := s.generation.Add(1)

	s.mu.Lock()
	subs := make([]func(), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}

	s.logger.Info("resource snapshot swapped",
		observability.Int64("generation", int64(gen)),
	)
}

// Tenant implements Store.
func (s *MemoryStore) Tenant(id string) (*config.Tenant, bool) {
	t, ok := s.current.Load().tenants[id]
	return t, ok
}

// AncestorChain implements Store. The chain is materialized root-first;
// validation guarantees acyclicity, but the walk is bounded anyway so a
// corrupt snapshot degrades to an error instead of a spin.
func (s *MemoryStore) AncestorChain(tenantID string) ([]*config.Tenant, error) {
	snap := s.current.Load()

	var reversed []*config.Tenant
	cur := tenantID
	for cur != "" {
		t, ok := snap.tenants[cur]
		if !ok {
			return nil, fmt.Errorf("unknown tenant %q in chain of %q", cur, tenantID)
		}
		reversed = append(reversed, t)
		if len(reversed) > len(snap.tenants) {
			return nil, fmt.Errorf("tenant chain of %q exceeds tenant count", tenantID)
		}
		cur = t.Parent
	}

	chain := make([]*config.Tenant, len(reversed))
	for i, t := range reversed {
		chain[len(reversed)-1-i] = t
	}
	return chain, nil
}

// UpstreamByAlias implements Store.
func (s *MemoryStore) UpstreamByAlias(tenantID, alias string) (*config.Upstream, bool) {
	u, ok := s.current.Load().aliasIndex[aliasKey(tenantID, alias)]
	return u, ok
}

// UpstreamByID implements Store.
func (s *MemoryStore) UpstreamByID(id string) (*config.Upstream, bool) {
	u, ok := s.current.Load().upstreams[id]
	return u, ok
}

// RoutesByUpstream implements Store.
func (s *MemoryStore) RoutesByUpstream(upstreamID string) []*config.Route {
	return s.current.Load().byUpstream[upstreamID]
}

// Routes implements Store.
func (s *MemoryStore) Routes() []*config.Route {
	return s.current.Load().routes
}

// Plugin implements Store.
func (s *MemoryStore) Plugin(id string) (*config.PluginDef, bool) {
	p, ok := s.current.Load().plugins[id]
	return p, ok
}

// Generation implements Store.
func (s *MemoryStore) Generation() uint64 {
	return s.generation.Load()
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}
