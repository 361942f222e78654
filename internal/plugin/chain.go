package plugin

import (
	"context"
	"sort"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
)

// hopByHopHeaders are stripped by the engine after all on_request
// transforms have run, overriding any plugin attempt to set them.
var hopByHopHeaders = []string{"Connection", "Upgrade", "Transfer-Encoding", "TE"}

// stage is one resolved plugin with its attachment scope.
type stage struct {
	plugin Plugin
	scope  Scope
}

// Chain is an ordered, immutable list of resolved stages for one route.
// Build it once per configuration generation and share it across requests.
type Chain struct {
	stages []stage
	logger observability.Logger
}

// NewChain resolves and orders the upstream-scope and route-scope
// references. Ordering: upstream scope before route scope; within a scope
// auth, then guards, then transforms; attachment order breaks ties.
func NewChain(upstreamRefs, routeRefs []config.PluginRef, factory *Factory, logger observability.Logger) (*Chain, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	stages := make([]stage, 0, len(upstreamRefs)+len(routeRefs))
	for _, ref := range upstreamRefs {
		p, err := factory.Resolve(ref)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage{plugin: p, scope: ScopeUpstream})
	}
	for _, ref := range routeRefs {
		p, err := factory.Resolve(ref)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage{plugin: p, scope: ScopeRoute})
	}

	sort.SliceStable(stages, func(i, j int) bool {
		if stages[i].scope != stages[j].scope {
			return stages[i].scope < stages[j].scope
		}
		return kindRank(stages[i].plugin.Kind()) < kindRank(stages[j].plugin.Kind())
	})

	return &Chain{stages: stages, logger: logger}, nil
}

func kindRank(k config.PluginKind) int {
	switch k {
	case config.PluginKindAuth:
		return 0
	case config.PluginKindGuard:
		return 1
	default:
		return 2
	}
}

// Stages returns the plugin IDs in execution order.
func (c *Chain) Stages() []string {
	ids := make([]string, len(c.stages))
	for i, s := range c.stages {
		ids[i] = s.plugin.ID()
	}
	return ids
}

// OnRequest drives the on_request phase. A reject or respond directive
// stops the chain immediately; hop-by-hop headers are stripped after the
// last stage regardless of what transforms did.
func (c *Chain) OnRequest(ctx context.Context, req *Request) Directive {
	for _, s := range c.stages {
		if !hasPhase(s.plugin, config.PhaseOnRequest) {
			continue
		}
		d := s.plugin.OnRequest(ctx, req)
		if !d.IsNext() {
			c.logger.Debug("plugin chain short-circuit",
				observability.String("plugin", s.plugin.ID()),
				observability.Bool("respond", d.Response() != nil),
			)
			stripHopByHop(req)
			return d
		}
	}
	stripHopByHop(req)
	return Next()
}

// OnResponse drives the on_response phase. Only transforms participate.
func (c *Chain) OnResponse(ctx context.Context, req *Request, resp *Response) Directive {
	for _, s := range c.stages {
		if s.plugin.Kind() != config.PluginKindTransform || !hasPhase(s.plugin, config.PhaseOnResponse) {
			continue
		}
		d := s.plugin.OnResponse(ctx, req, resp)
		if !d.IsNext() {
			return d
		}
	}
	return Next()
}

// OnError gives on_error transforms a chance to rewrite a produced error.
// Stages run even when the error came from an earlier stage's rejection.
func (c *Chain) OnError(ctx context.Context, req *Request, failure *oagwerr.Error) *oagwerr.Error {
	for _, s := range c.stages {
		if s.plugin.Kind() != config.PluginKindTransform || !hasPhase(s.plugin, config.PhaseOnError) {
			continue
		}
		if rewritten := s.plugin.OnError(ctx, req, failure); rewritten != nil {
			failure = rewritten
		}
	}
	return failure
}

func hasPhase(p Plugin, phase config.PluginPhase) bool {
	for _, ph := range p.Phases() {
		if ph == phase {
			return true
		}
	}
	return false
}

func stripHopByHop(req *Request) {
	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}
}
