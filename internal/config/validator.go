package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidateOption tweaks validation behavior.
type ValidateOption func(*validator)

// WithBuiltinKinds supplies the kind of each builtin plugin id so that
// kind/slot agreement can be checked for builtin references too.
func WithBuiltinKinds(kinds map[string]PluginKind) ValidateOption {
	return func(v *validator) {
		v.builtinKinds = kinds
	}
}

type validator struct {
	cfg          *Config
	builtinKinds map[string]PluginKind
}

// Validate checks the whole configuration: tenant tree shape, endpoint pool
// invariants, alias uniqueness, plugin kind agreement, and rate-limit
// budgets. Budget modes are enforced here, at config-write time, never per
// request.
func (c *Config) Validate(opts ...ValidateOption) error {
	v := &validator{cfg: c}
	for _, opt := range opts {
		opt(v)
	}

	if err := v.validateTenants(); err != nil {
		return err
	}
	if err := v.validateUpstreams(); err != nil {
		return err
	}
	if err := v.validateRoutes(); err != nil {
		return err
	}
	if err := v.validatePlugins(); err != nil {
		return err
	}
	return v.validateBudgets()
}

func (v *validator) validateTenants() error {
	seen := make(map[string]bool, len(v.cfg.Tenants))
	for i := range v.cfg.Tenants {
		t := &v.cfg.Tenants[i]
		if t.ID == "" {
			return fmt.Errorf("tenant at index %d has empty id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = true
	}

	// Every parent must exist, and every chain must terminate at a root.
	for i := range v.cfg.Tenants {
		t := &v.cfg.Tenants[i]
		if t.Parent == "" {
			continue
		}
		if !seen[t.Parent] {
			return fmt.Errorf("tenant %q references unknown parent %q", t.ID, t.Parent)
		}
		visited := map[string]bool{t.ID: true}
		cur := t.Parent
		for cur != "" {
			if visited[cur] {
				return fmt.Errorf("tenant hierarchy cycle through %q", cur)
			}
			visited[cur] = true
			parent := v.cfg.TenantByID(cur)
			cur = parent.Parent
		}
	}
	return nil
}

func (v *validator) validateUpstreams() error {
	// alias uniqueness is per owning tenant
	aliases := make(map[string]string)

	for i := range v.cfg.Upstreams {
		u := &v.cfg.Upstreams[i]
		if u.ID == "" {
			return fmt.Errorf("upstream at index %d has empty id", i)
		}
		if v.cfg.TenantByID(u.Tenant) == nil {
			return fmt.Errorf("upstream %q references unknown tenant %q", u.ID, u.Tenant)
		}
		if len(u.Endpoints) == 0 {
			return fmt.Errorf("upstream %q has no endpoints", u.ID)
		}

		// Pool endpoints must be protocol-homogeneous: same scheme and port.
		first := u.Endpoints[0]
		allIP := true
		for _, ep := range u.Endpoints {
			if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
				return fmt.Errorf("upstream %q has invalid endpoint %q", u.ID, ep.Addr())
			}
			if ep.Scheme != first.Scheme || ep.Port != first.Port {
				return fmt.Errorf("upstream %q endpoint pool is not homogeneous: %q vs %q",
					u.ID, first.URL(), ep.URL())
			}
			if net.ParseIP(ep.Host) == nil {
				allIP = false
			}
		}

		if allIP && u.Alias == "" {
			return fmt.Errorf("upstream %q has IP-only endpoints and requires an explicit alias", u.ID)
		}

		alias := u.EffectiveAlias()
		if alias == "" {
			return fmt.Errorf("upstream %q has no explicit alias and none can be derived", u.ID)
		}
		key := u.Tenant + "/" + strings.ToLower(alias)
		if other, dup := aliases[key]; dup {
			return fmt.Errorf("alias %q duplicated between upstreams %q and %q in tenant %q",
				alias, other, u.ID, u.Tenant)
		}
		aliases[key] = u.ID

		if err := v.validateSharing(u.ID, u.Auth, u.RateLimit, u.Plugins, u.CORS); err != nil {
			return err
		}
		if u.Breaker != nil {
			if u.Breaker.Scope != "" && u.Breaker.Scope != BreakerPerUpstream && u.Breaker.Scope != BreakerPerEndpoint {
				return fmt.Errorf("upstream %q has invalid breaker scope %q", u.ID, u.Breaker.Scope)
			}
		}
		if u.Concurrency != nil && u.Concurrency.MaxConcurrent <= 0 {
			return fmt.Errorf("upstream %q has non-positive maxConcurrent", u.ID)
		}
	}
	return nil
}

func (v *validator) validateSharing(owner string, auth *AuthPolicy, rate *RateLimitPolicy, plugins *PluginPolicy, cors *CORSPolicy) error {
	check := func(field string, mode SharingMode) error {
		switch mode {
		case "", SharingInherit, SharingEnforce, SharingPrivate:
			return nil
		default:
			return fmt.Errorf("%s: invalid sharing mode %q for %s", owner, mode, field)
		}
	}
	if auth != nil {
		if err := check("auth", auth.Sharing); err != nil {
			return err
		}
	}
	if rate != nil {
		if err := check("rateLimit", rate.Sharing); err != nil {
			return err
		}
		if rate.Requests <= 0 || rate.Window.Duration() <= 0 {
			return fmt.Errorf("%s: rate limit requires positive requests and window", owner)
		}
	}
	if plugins != nil {
		if err := check("plugins", plugins.Sharing); err != nil {
			return err
		}
	}
	if cors != nil {
		if err := check("cors", cors.Sharing); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) validateRoutes() error {
	seen := make(map[string]bool, len(v.cfg.Routes))
	for i := range v.cfg.Routes {
		r := &v.cfg.Routes[i]
		if r.ID == "" {
			return fmt.Errorf("route at index %d has empty id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		seen[r.ID] = true

		if v.cfg.UpstreamByID(r.Upstream) == nil {
			return fmt.Errorf("route %q references unknown upstream %q", r.ID, r.Upstream)
		}
		if (r.HTTP == nil) == (r.GRPC == nil) {
			return fmt.Errorf("route %q must define exactly one of http or grpc match", r.ID)
		}
		if r.HTTP != nil && !strings.HasPrefix(r.HTTP.Path, "/") {
			return fmt.Errorf("route %q has http path not starting with /", r.ID)
		}
		if r.GRPC != nil && r.GRPC.Service == "" {
			return fmt.Errorf("route %q has empty grpc service", r.ID)
		}
		switch r.PathSuffixMode {
		case "", PathSuffixDisabled, PathSuffixAppend:
		default:
			return fmt.Errorf("route %q has invalid pathSuffixMode %q", r.ID, r.PathSuffixMode)
		}
	}
	return nil
}

// kindOf resolves the kind of a plugin reference: custom defs first, then
// the supplied builtin table.
func (v *validator) kindOf(id string) (PluginKind, bool) {
	if def := v.cfg.PluginByID(id); def != nil {
		return def.Kind, true
	}
	if v.builtinKinds != nil {
		k, ok := v.builtinKinds[id]
		return k, ok
	}
	return "", false
}

func (v *validator) validatePlugins() error {
	for i := range v.cfg.Plugins {
		d := &v.cfg.Plugins[i]
		if d.ID == "" {
			return fmt.Errorf("plugin definition at index %d has empty id", i)
		}
		switch d.Kind {
		case PluginKindAuth, PluginKindGuard, PluginKindTransform:
		default:
			return fmt.Errorf("plugin %q has invalid kind %q", d.ID, d.Kind)
		}
		if len(d.Phases) == 0 {
			return fmt.Errorf("plugin %q declares no phases", d.ID)
		}
		for _, p := range d.Phases {
			switch p {
			case PhaseOnRequest, PhaseOnResponse, PhaseOnError:
			default:
				return fmt.Errorf("plugin %q has invalid phase %q", d.ID, p)
			}
		}
		if d.Source == "" {
			return fmt.Errorf("plugin %q has empty source", d.ID)
		}
	}

	checkSlot := func(owner string, ref PluginRef, want PluginKind) error {
		kind, known := v.kindOf(ref.ID)
		if !known {
			// Builtin table absent: only custom refs can be verified.
			if v.builtinKinds != nil {
				return fmt.Errorf("%s references unknown plugin %q", owner, ref.ID)
			}
			return nil
		}
		if want == PluginKindAuth && kind != PluginKindAuth {
			return fmt.Errorf("%s attaches %s plugin %q to an auth slot", owner, kind, ref.ID)
		}
		if want != PluginKindAuth && kind == PluginKindAuth {
			return fmt.Errorf("%s attaches auth plugin %q to a chain slot", owner, ref.ID)
		}
		return nil
	}

	checkPolicy := func(owner string, auth *AuthPolicy, plugins *PluginPolicy) error {
		if auth != nil {
			if err := checkSlot(owner, auth.Plugin, PluginKindAuth); err != nil {
				return err
			}
		}
		if plugins != nil {
			for _, ref := range plugins.Refs {
				if err := checkSlot(owner, ref, PluginKindGuard); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for i := range v.cfg.Tenants {
		t := &v.cfg.Tenants[i]
		if err := checkPolicy("tenant "+t.ID, t.Auth, t.Plugins); err != nil {
			return err
		}
	}
	for i := range v.cfg.Upstreams {
		u := &v.cfg.Upstreams[i]
		if err := checkPolicy("upstream "+u.ID, u.Auth, u.Plugins); err != nil {
			return err
		}
	}
	for i := range v.cfg.Routes {
		r := &v.cfg.Routes[i]
		if err := checkPolicy("route "+r.ID, nil, r.Plugins); err != nil {
			return err
		}
	}
	return nil
}

// validateBudgets enforces the allocated budget mode: for every tenant that
// declares one, the sum of its children's rate allocations must stay within
// total * overcommit ratio.
func (v *validator) validateBudgets() error {
	for i := range v.cfg.Tenants {
		t := &v.cfg.Tenants[i]
		if t.RateLimit != nil && !validBudgetMode(t.RateLimit.Budget) {
			return fmt.Errorf("tenant %q: unknown rate budget mode %q", t.ID, t.RateLimit.Budget)
		}
	}
	for i := range v.cfg.Upstreams {
		u := &v.cfg.Upstreams[i]
		if u.RateLimit != nil && !validBudgetMode(u.RateLimit.Budget) {
			return fmt.Errorf("upstream %q: unknown rate budget mode %q", u.ID, u.RateLimit.Budget)
		}
	}
	for i := range v.cfg.Tenants {
		t := &v.cfg.Tenants[i]
		if t.RateLimit == nil || t.RateLimit.Budget != BudgetAllocated {
			continue
		}
		total := t.RateLimit.Total
		if total <= 0 {
			total = t.RateLimit.Requests
		}
		ratio := t.RateLimit.OvercommitRatio
		if ratio <= 0 {
			ratio = 1.0
		}
		ceiling := float64(total) * ratio

		allocated := 0
		for j := range v.cfg.Tenants {
			child := &v.cfg.Tenants[j]
			if child.Parent != t.ID || child.RateLimit == nil {
				continue
			}
			allocated += child.RateLimit.Requests
		}
		if float64(allocated) > ceiling {
			return fmt.Errorf("tenant %q rate budget exceeded: allocated %d > ceiling %.0f",
				t.ID, allocated, ceiling)
		}
	}
	return nil
}

// validBudgetMode accepts the declared modes plus the unset default.
func validBudgetMode(m BudgetMode) bool {
	switch m {
	case "", BudgetAllocated, BudgetShared, BudgetUnlimited:
		return true
	}
	return false
}
