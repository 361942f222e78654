package plugin

import (
	"context"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/vyrodovalexey/oagw/internal/oagwerr"
)

// Sandbox resource quotas. CEL has no ambient I/O, so the quotas only need
// to bound CPU and allocation.
const (
	sandboxCostLimit    = 1_000_000
	sandboxCheckEvery   = 100
	sandboxWallDeadline = 50 * time.Millisecond
)

// sandboxEnv builds the CEL environment custom plugins and the cel guard
// evaluate in. Exposed variables mirror the mutable request context.
func sandboxEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tenant", cel.StringType),
		cel.Variable("user", cel.StringType),
		cel.Variable("client_ip", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("query", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// compileSandboxed compiles an expression with the evaluation quotas
// attached.
func compileSandboxed(env *cel.Env, source string) (cel.Program, error) {
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return env.Program(ast,
		cel.CostLimit(sandboxCostLimit),
		cel.InterruptCheckFrequency(sandboxCheckEvery),
	)
}

// evalSandboxed runs a compiled program against a request under the wall
// deadline. Quota violations and evaluation faults come back as a typed
// plugin rejection, never a panic.
func evalSandboxed(ctx context.Context, program cel.Program, pluginID string, req *Request) (any, *oagwerr.Error) {
	evalCtx, cancel := context.WithTimeout(ctx, sandboxWallDeadline)
	defer cancel()

	out, _, err := program.ContextEval(evalCtx, sandboxActivation(req))
	if err != nil {
		return nil, oagwerr.Wrap(oagwerr.KindPluginRejected, "plugin evaluation failed", err).
			WithField("plugin", pluginID)
	}
	return out.Value(), nil
}

func sandboxActivation(req *Request) map[string]any {
	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	query := make(map[string]string, len(req.Query))
	for k := range req.Query {
		query[k] = req.Query.Get(k)
	}
	return map[string]any{
		"tenant":    req.TenantID,
		"user":      req.UserID,
		"client_ip": req.ClientIP,
		"method":    req.Method,
		"path":      req.Path,
		"headers":   headers,
		"query":     query,
	}
}
