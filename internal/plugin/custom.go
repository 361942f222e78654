package plugin

import (
	"context"
	"net/http"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
)

// Custom is a stored, sandboxed script plugin. The source is compiled once
// at chain build time; each invocation evaluates under the sandbox quotas.
//
// The expression yields either a bare string action ("next", "reject",
// "respond") or a map {"action": ..., "status": ..., "body": ...,
// "detail": ...}.
type Custom struct {
	def     *config.PluginDef
	program cel.Program
}

// NewCustom compiles a custom plugin definition.
func NewCustom(def *config.PluginDef) (*Custom, error) {
	env, err := sandboxEnv()
	if err != nil {
		return nil, err
	}
	program, err := compileSandboxed(env, def.Source)
	if err != nil {
		return nil, oagwerr.Wrap(oagwerr.KindValidation, "custom plugin source does not compile", err).
			WithField("plugin", def.ID)
	}
	return &Custom{def: def, program: program}, nil
}

func (c *Custom) ID() string                   { return c.def.ID }
func (c *Custom) Kind() config.PluginKind      { return c.def.Kind }
func (c *Custom) Phases() []config.PluginPhase { return c.def.Phases }

// OnRequest implements Plugin.
func (c *Custom) OnRequest(ctx context.Context, req *Request) Directive {
	value, rejection := evalSandboxed(ctx, c.program, c.def.ID, req)
	if rejection != nil {
		return Reject(rejection)
	}
	return c.interpret(value)
}

// OnResponse implements Plugin.
func (c *Custom) OnResponse(ctx context.Context, req *Request, _ *Response) Directive {
	value, rejection := evalSandboxed(ctx, c.program, c.def.ID, req)
	if rejection != nil {
		return Reject(rejection)
	}
	return c.interpret(value)
}

// OnError implements Plugin.
func (c *Custom) OnError(_ context.Context, _ *Request, failure *oagwerr.Error) *oagwerr.Error {
	return failure
}

// interpret maps the evaluation result onto a directive. Anything the
// script produces outside the contract is a rejection attributed to the
// plugin, not an engine fault.
func (c *Custom) interpret(value any) Directive {
	switch v := value.(type) {
	case bool:
		if v {
			return Next()
		}
		return Reject(c.rejection("plugin denied the request"))

	case string:
		switch v {
		case "next":
			return Next()
		case "reject":
			return Reject(c.rejection("plugin denied the request"))
		case "respond":
			return Respond(NewResponse(http.StatusOK))
		}
		return Reject(c.rejection("plugin returned unknown action " + v))

	case map[ref.Val]ref.Val:
		return c.interpretMap(celMapValues(v))

	case map[string]any:
		return c.interpretMap(v)

	default:
		return Reject(c.rejection("plugin returned an unsupported value"))
	}
}

func (c *Custom) interpretMap(m map[string]any) Directive {
	action, _ := m["action"].(string)
	switch action {
	case "next":
		return Next()

	case "reject":
		detail, _ := m["detail"].(string)
		if detail == "" {
			detail = "plugin denied the request"
		}
		return Reject(c.rejection(detail))

	case "respond":
		resp := NewResponse(http.StatusOK)
		if s, ok := asInt(m["status"]); ok {
			resp.Status = s
		}
		if body, ok := m["body"].(string); ok {
			resp.Body = []byte(body)
		}
		return Respond(resp)

	default:
		return Reject(c.rejection("plugin returned unknown action"))
	}
}

func (c *Custom) rejection(detail string) *oagwerr.Error {
	return oagwerr.New(oagwerr.KindPluginRejected, detail).WithField("plugin", c.def.ID)
}

func celMapValues(m map[ref.Val]ref.Val) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key, ok := k.Value().(string)
		if !ok {
			continue
		}
		out[key] = v.Value()
	}
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
