// Package store provides read access to gateway resources and change
// notifications for cache invalidation.
package store

import (
	"github.com/vyrodovalexey/oagw/internal/config"
)

// Store is the read surface the admission core consumes. Writes happen
// outside the core; the store only swaps in fully validated snapshots.
type Store interface {
	// Tenant returns the tenant record.
	Tenant(id string) (*config.Tenant, bool)

	// AncestorChain returns the materialized, acyclic tenant chain from the
	// root down to and including the given tenant.
	AncestorChain(tenantID string) ([]*config.Tenant, error)

	// UpstreamByAlias returns the upstream owned by exactly this tenant
	// under the given alias, without walking the hierarchy.
	UpstreamByAlias(tenantID, alias string) (*config.Upstream, bool)

	// UpstreamByID returns the upstream record.
	UpstreamByID(id string) (*config.Upstream, bool)

	// RoutesByUpstream returns the routes of one upstream in creation order.
	RoutesByUpstream(upstreamID string) []*config.Route

	// Routes returns all routes in creation order.
	Routes() []*config.Route

	// Plugin returns a custom plugin definition.
	Plugin(id string) (*config.PluginDef, bool)

	// Generation returns a counter that increases on every snapshot swap.
	// Caches key derived state by generation and drop it when it moves.
	Generation() uint64

	// Subscribe registers a callback invoked after every snapshot swap.
	Subscribe(fn func())
}
