// Package hierarchy resolves effective configuration through the tenant
// tree. Resolution is a pure fold over the materialized ancestor chain;
// no live recursive lookups, no hidden mutable state.
package hierarchy

import (
	"time"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/store"
)

// Effective is the fully resolved policy set for one (tenant, upstream)
// pair. It is derived, never stored, and cached only by snapshot
// generation.
type Effective struct {
	Auth        *config.AuthPolicy
	RateLimit   *config.RateLimitPolicy
	Plugins     []config.PluginRef
	CORSOrigins []string

	// Generation is the resource snapshot the values were derived from.
	Generation uint64
}

// Resolver computes effective configuration over the tenant chain.
type Resolver struct {
	store  store.Store
	cache  *effectiveCache
	logger observability.Logger
}

// NewResolver creates a resolver backed by the resource store. The internal
// cache drops everything whenever the store swaps a snapshot.
func NewResolver(st store.Store, logger observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Resolver{
		store:  st,
		cache:  newEffectiveCache(),
		logger: logger,
	}
	st.Subscribe(r.cache.purge)
	return r
}

// level is one declaration point in the walk: a tenant's policy blocks, or
// the upstream's own blocks positioned right after its owning tenant.
type level struct {
	tenant    *config.Tenant
	auth      *config.AuthPolicy
	rateLimit *config.RateLimitPolicy
	plugins   *config.PluginPolicy
	cors      *config.CORSPolicy
	leaf      bool
}

// Resolve produces the effective configuration for requests the tenant
// makes against the upstream. The result is deterministic given the chain.
func (r *Resolver) Resolve(tenantID string, up *config.Upstream) (*Effective, error) {
	gen := r.store.Generation()
	key := tenantID + "|" + up.ID
	if eff, ok := r.cache.get(key, gen); ok {
		return eff, nil
	}

	chain, err := r.store.AncestorChain(tenantID)
	if err != nil {
		return nil, oagwerr.Wrap(oagwerr.KindValidation, "tenant chain resolution failed", err)
	}

	levels := buildLevels(chain, up)

	eff := &Effective{Generation: gen}
	if err := r.mergeAuth(eff, levels); err != nil {
		return nil, err
	}
	r.mergeRateLimit(eff, levels)
	r.mergePlugins(eff, levels)
	r.mergeCORS(eff, levels)

	r.cache.put(key, gen, eff)
	return eff, nil
}

// buildLevels lays out declaration points root-first. The upstream's own
// blocks slot in directly after its owning tenant, carrying that tenant's
// permissions.
func buildLevels(chain []*config.Tenant, up *config.Upstream) []level {
	levels := make([]level, 0, len(chain)+1)
	for i, t := range chain {
		leaf := i == len(chain)-1
		levels = append(levels, level{
			tenant:    t,
			auth:      t.Auth,
			rateLimit: t.RateLimit,
			plugins:   t.Plugins,
			cors:      t.CORS,
			leaf:      leaf,
		})
		if t.ID == up.Tenant {
			levels = append(levels, level{
				tenant:    t,
				auth:      up.Auth,
				rateLimit: up.RateLimit,
				plugins:   up.Plugins,
				cors:      up.CORS,
				leaf:      leaf,
			})
		}
	}
	return levels
}

// sharingOf normalizes an absent mode to inherit.
func sharingOf(mode config.SharingMode) config.SharingMode {
	if mode == "" {
		return config.SharingInherit
	}
	return mode
}

// mergeAuth folds the auth field. Under enforce the descendant cannot
// override at all; under inherit it overrides only with override_auth;
// private hides the ancestor value, and a leaf left without one after a
// private declaration is a configuration error.
func (r *Resolver) mergeAuth(eff *Effective, levels []level) error {
	var current *config.AuthPolicy
	locked := false
	hiddenAbove := false

	for _, lv := range levels {
		if lv.auth == nil {
			continue
		}
		mode := sharingOf(lv.auth.Sharing)

		switch {
		case current == nil:
			current = lv.auth
			locked = mode == config.SharingEnforce
			if mode == config.SharingPrivate && !lv.leaf {
				current = nil
				hiddenAbove = true
			}
		case locked:
			// Ancestor enforced; descendant declaration is inert.
		case mode == config.SharingPrivate:
			if lv.leaf {
				current = lv.auth
			} else {
				current = nil
				hiddenAbove = true
			}
		default:
			// inherit or enforce declared below an inherit ancestor:
			// overriding requires the permission; without it the ancestor
			// value passes through as if enforced.
			if lv.tenant.HasPermission(config.PermissionOverrideAuth) {
				current = lv.auth
				locked = mode == config.SharingEnforce
			}
		}
	}

	if current == nil && hiddenAbove {
		return oagwerr.New(oagwerr.KindValidation,
			"auth is private at an ancestor level and the tenant supplies none")
	}
	eff.Auth = current
	return nil
}

// perSecond normalizes a policy to a comparable sustained rate.
func perSecond(p *config.RateLimitPolicy) float64 {
	w := p.Window.Duration()
	if w <= 0 {
		w = time.Second
	}
	return float64(p.Requests) / w.Seconds()
}

// minPolicy picks the numerically stricter of two policies. The looser
// policy's non-numeric fields never leak into the result.
func minPolicy(a, b *config.RateLimitPolicy) *config.RateLimitPolicy {
	if perSecond(b) <= perSecond(a) {
		return b
	}
	return a
}

// mergeRateLimit folds the rate limit field. Enforce makes the effective
// numeric limit min(ancestor, descendant) transitively down the chain.
func (r *Resolver) mergeRateLimit(eff *Effective, levels []level) {
	var current *config.RateLimitPolicy
	enforced := false

	for _, lv := range levels {
		if lv.rateLimit == nil {
			continue
		}
		mode := sharingOf(lv.rateLimit.Sharing)

		switch {
		case current == nil:
			if mode == config.SharingPrivate && !lv.leaf {
				continue
			}
			current = lv.rateLimit
			enforced = mode == config.SharingEnforce
		case mode == config.SharingPrivate:
			if lv.leaf {
				current = lv.rateLimit
				enforced = false
			} else {
				current = nil
				enforced = false
			}
		case enforced:
			// Hard ceiling: the descendant can only tighten.
			current = minPolicy(current, lv.rateLimit)
			enforced = true
		default:
			if lv.tenant.HasPermission(config.PermissionOverrideRate) {
				current = lv.rateLimit
				enforced = mode == config.SharingEnforce
			} else {
				// No permission behaves like enforce at this step.
				current = minPolicy(current, lv.rateLimit)
				enforced = true
			}
		}
	}

	eff.RateLimit = current
}

// mergePlugins folds the ordered plugin list. Ancestor plugins keep their
// positions; descendants append. Under inherit, appending requires the
// add_plugins permission.
func (r *Resolver) mergePlugins(eff *Effective, levels []level) {
	var chain []config.PluginRef
	started := false

	for _, lv := range levels {
		if lv.plugins == nil {
			continue
		}
		mode := sharingOf(lv.plugins.Sharing)

		switch {
		case !started:
			if mode == config.SharingPrivate && !lv.leaf {
				continue
			}
			chain = append([]config.PluginRef(nil), lv.plugins.Refs...)
			started = true
		case mode == config.SharingPrivate:
			if lv.leaf {
				chain = append([]config.PluginRef(nil), lv.plugins.Refs...)
			} else {
				chain = nil
				started = false
			}
		default:
			// Both inherit and enforce append; enforce just also pins the
			// ancestor prefix, which appending preserves by construction.
			if lv.tenant.HasPermission(config.PermissionAddPlugins) ||
				sharingOfPrev(levels, lv) == config.SharingEnforce {
				chain = append(chain, lv.plugins.Refs...)
			}
		}
	}

	eff.Plugins = chain
}

// sharingOfPrev returns the sharing mode of the closest earlier level that
// declared the plugin field.
func sharingOfPrev(levels []level, at level) config.SharingMode {
	var mode config.SharingMode
	for _, lv := range levels {
		if lv == at {
			break
		}
		if lv.plugins != nil {
			mode = sharingOf(lv.plugins.Sharing)
		}
	}
	return mode
}

// mergeCORS folds the allowed-origin set. Inherit with permission unions;
// enforce intersects so a descendant can never widen the ancestor set.
func (r *Resolver) mergeCORS(eff *Effective, levels []level) {
	var origins []string
	enforced := false
	started := false

	for _, lv := range levels {
		if lv.cors == nil {
			continue
		}
		mode := sharingOf(lv.cors.Sharing)

		switch {
		case !started:
			if mode == config.SharingPrivate && !lv.leaf {
				continue
			}
			origins = append([]string(nil), lv.cors.Origins...)
			enforced = mode == config.SharingEnforce
			started = true
		case mode == config.SharingPrivate:
			if lv.leaf {
				origins = append([]string(nil), lv.cors.Origins...)
				enforced = false
			} else {
				origins = nil
				started = false
				enforced = false
			}
		case enforced:
			origins = intersect(origins, lv.cors.Origins)
		default:
			if lv.tenant.HasPermission(config.PermissionOverrideCORS) {
				origins = union(origins, lv.cors.Origins)
				enforced = mode == config.SharingEnforce
			} else {
				origins = intersect(origins, lv.cors.Origins)
				enforced = true
			}
		}
	}

	eff.CORSOrigins = origins
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}

func intersect(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
	}
	var out []string
	for _, s := range a {
		if inB[s] {
			out = append(out, s)
		}
	}
	return out
}
