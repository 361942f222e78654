// Package selector picks the upstream, route, and physical endpoint for a
// request: alias resolution with hierarchy shadowing, priority route
// matching, and round-robin endpoint selection with explicit target-host
// override.
package selector

import (
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/store"
)

// HeaderTargetHost selects one endpoint out of a multi-host pool. It is
// consumed by the gateway and never forwarded upstream.
const HeaderTargetHost = "X-OAGW-Target-Host"

// Selector resolves aliases, routes, and endpoints against the resource
// store. Round-robin cursors are shared across requests and survive
// snapshot swaps for upstreams that keep their ID.
type Selector struct {
	store   store.Store
	logger  observability.Logger
	cursors sync.Map // upstream ID -> *atomic.Uint64
}

// New creates a selector over the resource store.
func New(st store.Store, logger observability.Logger) *Selector {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Selector{store: st, logger: logger}
}

// ResolveAlias finds the upstream an alias names for the invoking tenant.
// The walk starts at the tenant and climbs toward the root, so a tenant's
// own registration shadows any ancestor registration under the same alias.
// Disabled and foreign upstreams produce the same not-found error; callers
// cannot probe for their existence.
func (s *Selector) ResolveAlias(tenantID, alias string) (*config.Upstream, error) {
	chain, err := s.store.AncestorChain(tenantID)
	if err != nil {
		return nil, oagwerr.Wrap(oagwerr.KindValidation, "tenant chain resolution failed", err)
	}

	// Chain is root-first; shadowing wants leaf-first.
	for i := len(chain) - 1; i >= 0; i-- {
		up, ok := s.store.UpstreamByAlias(chain[i].ID, alias)
		if !ok {
			continue
		}
		if !up.IsEnabled() {
			break
		}
		return up, nil
	}
	return nil, oagwerr.New(oagwerr.KindUpstreamNotFound, "no upstream registered under alias").
		WithField("alias", alias)
}

func (s *Selector) cursor(upstreamID string) *atomic.Uint64 {
	if c, ok := s.cursors.Load(upstreamID); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := s.cursors.LoadOrStore(upstreamID, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// nextEndpoint advances the pool cursor exactly once and returns the
// endpoint it lands on. The advance happens before the request outcome is
// known, so failed dispatches still rotate the pool.
func (s *Selector) nextEndpoint(up *config.Upstream) config.Endpoint {
	pool := up.Endpoints
	if len(pool) == 1 {
		return pool[0]
	}
	n := s.cursor(up.ID).Add(1) - 1
	return pool[n%uint64(len(pool))]
}

// SelectEndpoint picks the physical endpoint for one dispatch. With an
// empty targetHost the pool rotates round-robin, except that pools reached
// through a derived common-suffix alias refuse to guess and require the
// header. A non-empty targetHost goes through format, requirement, and
// allowlist checks in that order.
func (s *Selector) SelectEndpoint(up *config.Upstream, targetHost string) (config.Endpoint, error) {
	if targetHost == "" {
		if up.HasDerivedAlias() {
			return config.Endpoint{}, oagwerr.New(oagwerr.KindMissingTargetHost,
				"pool is addressed by a derived alias; the target host header is required").
				WithField("valid_hosts", poolHosts(up))
		}
		return s.nextEndpoint(up), nil
	}

	target, err := parseTargetHost(targetHost)
	if err != nil {
		return config.Endpoint{}, err
	}

	for _, ep := range up.Endpoints {
		if target.matches(ep) {
			return ep, nil
		}
	}
	return config.Endpoint{}, oagwerr.New(oagwerr.KindUnknownTargetHost,
		"target host is not a member of the endpoint pool").
		WithField("target_host", target.canonical).
		WithField("valid_hosts", poolHosts(up))
}

func poolHosts(up *config.Upstream) []string {
	hosts := make([]string, 0, len(up.Endpoints))
	for _, ep := range up.Endpoints {
		hosts = append(hosts, ep.Host)
	}
	return hosts
}
