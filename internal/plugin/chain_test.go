package plugin

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/secrets"
	"github.com/vyrodovalexey/oagw/internal/store"
)

// recording is a test stage that appends its id to a shared trace.
type recording struct {
	Base
	id      string
	kind    config.PluginKind
	phases  []config.PluginPhase
	trace   *[]string
	verdict func() Directive
}

func (r *recording) ID() string                   { return r.id }
func (r *recording) Kind() config.PluginKind      { return r.kind }
func (r *recording) Phases() []config.PluginPhase { return r.phases }

func (r *recording) OnRequest(context.Context, *Request) Directive {
	*r.trace = append(*r.trace, r.id)
	if r.verdict != nil {
		return r.verdict()
	}
	return Next()
}

func (r *recording) OnResponse(context.Context, *Request, *Response) Directive {
	*r.trace = append(*r.trace, r.id)
	return Next()
}

func newRequest() *Request {
	return &Request{
		TenantID: "acme",
		Method:   http.MethodGet,
		Path:     "/v1/items",
		Query:    url.Values{},
		Header:   make(http.Header),
	}
}

// chainOf builds a chain from prebuilt stages, bypassing resolution.
func chainOf(stages ...stage) *Chain {
	return &Chain{stages: stages, logger: observability.NopLogger()}
}

func customDef(id string, kind config.PluginKind) config.PluginDef {
	return config.PluginDef{
		ID:     id,
		Tenant: "acme",
		Kind:   kind,
		Phases: []config.PluginPhase{config.PhaseOnRequest},
		Source: `"next"`,
	}
}

func testFactory(t *testing.T, defs ...config.PluginDef) *Factory {
	t.Helper()
	st := store.NewMemoryStore(&config.Config{Plugins: defs}, nil)
	creds := secrets.NewStaticProvider(map[string]string{"api-key": "k"})
	return NewFactory(st, creds, nil)
}

func TestChainOrdersScopeThenKind(t *testing.T) {
	factory := testFactory(t,
		customDef("up-auth", config.PluginKindAuth),
		customDef("up-guard", config.PluginKindGuard),
		customDef("up-transform", config.PluginKindTransform),
		customDef("route-auth", config.PluginKindAuth),
		customDef("route-guard", config.PluginKindGuard),
		customDef("route-transform", config.PluginKindTransform),
	)

	// Deliberately scrambled attachment order within each scope.
	upstream := []config.PluginRef{
		{ID: "up-guard"}, {ID: "up-transform"}, {ID: "up-auth"},
	}
	route := []config.PluginRef{
		{ID: "route-transform"}, {ID: "route-auth"}, {ID: "route-guard"},
	}

	c, err := NewChain(upstream, route, factory, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"up-auth", "up-guard", "up-transform",
		"route-auth", "route-guard", "route-transform",
	}, c.Stages())
}

func TestChainStableWithinKind(t *testing.T) {
	factory := testFactory(t,
		customDef("first", config.PluginKindTransform),
		customDef("second", config.PluginKindTransform),
	)

	c, err := NewChain(nil, []config.PluginRef{{ID: "first"}, {ID: "second"}}, factory, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, c.Stages())
}

func TestChainUnknownPluginFailsBuild(t *testing.T) {
	factory := testFactory(t)
	_, err := NewChain(nil, []config.PluginRef{{ID: "nonexistent"}}, factory, nil)
	require.Error(t, err)
	assert.True(t, oagwerr.IsKind(err, oagwerr.KindPluginNotFound))
}

func TestChainRejectShortCircuits(t *testing.T) {
	var trace []string
	onReq := []config.PluginPhase{config.PhaseOnRequest}
	denied := oagwerr.New(oagwerr.KindPluginRejected, "denied")

	c := chainOf(
		stage{plugin: &recording{
			id: "guard", kind: config.PluginKindGuard, phases: onReq, trace: &trace,
			verdict: func() Directive { return Reject(denied) },
		}, scope: ScopeUpstream},
		stage{plugin: &recording{id: "after", kind: config.PluginKindTransform, phases: onReq, trace: &trace}, scope: ScopeRoute},
	)

	d := c.OnRequest(context.Background(), newRequest())
	require.False(t, d.IsNext())
	assert.Same(t, denied, d.Rejection())
	assert.Equal(t, []string{"guard"}, trace)
}

func TestChainRespondSkipsRemaining(t *testing.T) {
	var trace []string
	onReq := []config.PluginPhase{config.PhaseOnRequest}
	canned := NewResponse(http.StatusAccepted)

	c := chainOf(
		stage{plugin: &recording{
			id: "mock", kind: config.PluginKindTransform, phases: onReq, trace: &trace,
			verdict: func() Directive { return Respond(canned) },
		}, scope: ScopeUpstream},
		stage{plugin: &recording{id: "after", kind: config.PluginKindTransform, phases: onReq, trace: &trace}, scope: ScopeRoute},
	)

	d := c.OnRequest(context.Background(), newRequest())
	require.False(t, d.IsNext())
	assert.Same(t, canned, d.Response())
	assert.Equal(t, []string{"mock"}, trace)
}

func TestChainStripsHopByHopHeaders(t *testing.T) {
	c := chainOf(stage{
		plugin: NewHeaders(map[string]any{
			"request_set": map[string]any{
				"Connection":        "keep-alive",
				"Upgrade":           "websocket",
				"Transfer-Encoding": "chunked",
				"TE":                "trailers",
				"X-Custom":          "stays",
			},
		}),
		scope: ScopeUpstream,
	})

	req := newRequest()
	d := c.OnRequest(context.Background(), req)
	require.True(t, d.IsNext())
	for _, h := range []string{"Connection", "Upgrade", "Transfer-Encoding", "TE"} {
		assert.Empty(t, req.Header.Get(h), h)
	}
	assert.Equal(t, "stays", req.Header.Get("X-Custom"))
}

func TestChainOnResponseOnlyTransforms(t *testing.T) {
	var trace []string
	c := chainOf(
		stage{plugin: &recording{
			id: "auth", kind: config.PluginKindAuth,
			phases: []config.PluginPhase{config.PhaseOnRequest, config.PhaseOnResponse},
			trace:  &trace,
		}, scope: ScopeUpstream},
		stage{plugin: &recording{
			id: "shape", kind: config.PluginKindTransform,
			phases: []config.PluginPhase{config.PhaseOnResponse},
			trace:  &trace,
		}, scope: ScopeRoute},
	)

	d := c.OnResponse(context.Background(), newRequest(), NewResponse(http.StatusOK))
	require.True(t, d.IsNext())
	assert.Equal(t, []string{"shape"}, trace)
}

func TestChainOnErrorRewrites(t *testing.T) {
	rewriter := NewRedact(map[string]any{"fields": []any{"token"}})
	c := chainOf(stage{plugin: rewriter, scope: ScopeUpstream})

	failure := oagwerr.New(oagwerr.KindDownstreamError, "vendor failed").
		WithField("token", "s3cret")
	out := c.OnError(context.Background(), newRequest(), failure)
	require.NotNil(t, out)
	assert.Equal(t, "[REDACTED]", out.Fields["token"])
}

func TestChainCacheRebuildsOnSwap(t *testing.T) {
	cfg := &config.Config{Plugins: []config.PluginDef{customDef("stamp", config.PluginKindTransform)}}
	st := store.NewMemoryStore(cfg, nil)
	factory := NewFactory(st, secrets.NewStaticProvider(nil), nil)
	cache := NewChainCache(st, factory, nil)

	route := &config.Route{ID: "r1", Plugins: &config.PluginPolicy{Refs: []config.PluginRef{{ID: "stamp"}}}}
	first, err := cache.For("acme", "up1", route, nil)
	require.NoError(t, err)

	again, err := cache.For("acme", "up1", route, nil)
	require.NoError(t, err)
	assert.Same(t, first, again)

	st.Swap(cfg)
	rebuilt, err := cache.For("acme", "up1", route, nil)
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
}

func TestChainCacheIsolatesTenants(t *testing.T) {
	cfg := &config.Config{Plugins: []config.PluginDef{customDef("audit", config.PluginKindGuard)}}
	st := store.NewMemoryStore(cfg, nil)
	factory := NewFactory(st, secrets.NewStaticProvider(nil), nil)
	cache := NewChainCache(st, factory, nil)

	route := &config.Route{ID: "r1"}

	// Two tenants share the upstream but resolve different plugin lists.
	guarded, err := cache.For("acme", "shared", route, []config.PluginRef{{ID: "audit"}})
	require.NoError(t, err)
	require.Len(t, guarded.stages, 1)

	bare, err := cache.For("globex", "shared", route, nil)
	require.NoError(t, err)
	assert.NotSame(t, guarded, bare)
	assert.Empty(t, bare.stages)

	// Each tenant keeps hitting its own entry.
	again, err := cache.For("acme", "shared", route, []config.PluginRef{{ID: "audit"}})
	require.NoError(t, err)
	assert.Same(t, guarded, again)
}
