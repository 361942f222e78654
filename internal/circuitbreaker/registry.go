package circuitbreaker

import (
	"sync"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/observability"
)

// Registry holds one breaker per protection scope. Breaker state survives
// config reloads for keys that persist across snapshots.
type Registry struct {
	logger observability.Logger
	opts   []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. The options apply to every
// breaker it creates.
func NewRegistry(logger observability.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{logger: logger, opts: opts, breakers: make(map[string]*Breaker)}
}

// Key derives the breaker key for an upstream and, for per-endpoint
// scope, one physical endpoint address.
func Key(up *config.Upstream, endpointAddr string) string {
	if up.Breaker != nil && up.Breaker.Scope == config.BreakerPerEndpoint {
		return up.ID + "|" + endpointAddr
	}
	return up.ID
}

// Get returns the breaker for a key, creating it from the policy on first
// use.
func (r *Registry) Get(key string, policy *config.BreakerPolicy) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := New(key, policy, r.logger, r.opts...)
	r.breakers[key] = b
	return b
}
