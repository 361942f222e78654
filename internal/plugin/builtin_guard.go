package plugin

import (
	"context"

	"github.com/google/cel-go/cel"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
)

// CELGuard is the builtin expression guard. The attachment supplies a CEL
// expression over the request; a non-true result rejects the request.
type CELGuard struct {
	Base
	program cel.Program
}

// NewCELGuard compiles the attachment's expression under the sandbox
// limits. A compile failure is a configuration error.
func NewCELGuard(cfg map[string]any) (*CELGuard, error) {
	expr := stringOr(cfg, "expression", "")
	if expr == "" {
		return nil, oagwerr.New(oagwerr.KindValidation, "guard requires an expression")
	}

	env, err := sandboxEnv()
	if err != nil {
		return nil, err
	}
	program, err := compileSandboxed(env, expr)
	if err != nil {
		return nil, oagwerr.Wrap(oagwerr.KindValidation, "guard expression rejected", err)
	}
	return &CELGuard{program: program}, nil
}

func (p *CELGuard) ID() string                   { return "cel" }
func (p *CELGuard) Kind() config.PluginKind      { return config.PluginKindGuard }
func (p *CELGuard) Phases() []config.PluginPhase { return []config.PluginPhase{config.PhaseOnRequest} }

// OnRequest implements Plugin.
func (p *CELGuard) OnRequest(ctx context.Context, req *Request) Directive {
	val, err := evalSandboxed(ctx, p.program, p.ID(), req)
	if err != nil {
		return Reject(err)
	}
	if allowed, ok := val.(bool); ok && allowed {
		return Next()
	}
	return Reject(oagwerr.New(oagwerr.KindPluginRejected, "request rejected by guard").
		WithField("plugin", "cel"))
}
