package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/oagw/internal/admission"
	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/executor"
	"github.com/vyrodovalexey/oagw/internal/hierarchy"
	"github.com/vyrodovalexey/oagw/internal/metrics"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/plugin"
	"github.com/vyrodovalexey/oagw/internal/secrets"
	"github.com/vyrodovalexey/oagw/internal/selector"
	"github.com/vyrodovalexey/oagw/internal/store"
)

func endpointOf(t *testing.T, raw string) config.Endpoint {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return config.Endpoint{Scheme: u.Scheme, Host: u.Hostname(), Port: port}
}

func proxyConfig(endpoint config.Endpoint) *config.Config {
	return &config.Config{
		Tenants: []config.Tenant{{ID: "acme"}},
		Upstreams: []config.Upstream{{
			ID:        "vendor",
			Tenant:    "acme",
			Alias:     "vendor",
			Protocol:  config.ProtocolHTTP,
			Endpoints: []config.Endpoint{endpoint},
		}},
		Routes: []config.Route{{
			ID:             "all",
			Upstream:       "vendor",
			HTTP:           &config.HTTPMatch{Path: "/"},
			PathSuffixMode: config.PathSuffixAppend,
		}},
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, creds map[string]string) *Pipeline {
	t.Helper()
	st := store.NewMemoryStore(cfg, nil)
	factory := plugin.NewFactory(st, secrets.NewStaticProvider(creds), nil)
	return NewPipeline(
		hierarchy.NewResolver(st, nil),
		selector.New(st, nil),
		admission.NewController(nil),
		plugin.NewChainCache(st, factory, nil),
		executor.New(),
		metrics.NewWithRegistry(prometheus.NewRegistry()),
		nil,
	)
}

func doCall(p *Pipeline, method, path string, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, "http://gw.local"+path, nil)
	for k, vals := range header {
		r.Header[k] = vals
	}
	w := httptest.NewRecorder()
	p.Serve(Call{
		TenantID: "acme",
		Alias:    "vendor",
		Path:     path,
		ClientIP: "198.51.100.7",
		Writer:   w,
		Request:  r,
	})
	return w
}

func problemType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	typ, _ := body["type"].(string)
	return typ
}

func TestPipelineProxiesRequest(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Header().Set("X-Vendor", "v1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	p := newTestPipeline(t, proxyConfig(endpointOf(t, srv.URL)), nil)
	w := doCall(p, http.MethodGet, "/v1/users", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "v1", w.Header().Get("X-Vendor"))
	assert.Equal(t, "/v1/users", gotPath.Load())
}

func TestPipelineUnknownAlias(t *testing.T) {
	p := newTestPipeline(t, proxyConfig(config.Endpoint{Scheme: "http", Host: "127.0.0.1", Port: 1}), nil)

	r := httptest.NewRequest(http.MethodGet, "http://gw.local/v1", nil)
	w := httptest.NewRecorder()
	p.Serve(Call{TenantID: "acme", Alias: "nope", Path: "/v1", Writer: w, Request: r})

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, oagwerr.ContentTypeProblem, w.Header().Get("Content-Type"))
	assert.Equal(t, oagwerr.SourceGateway, w.Header().Get(oagwerr.HeaderErrorSource))
	assert.Equal(t, "upstream_not_found.v1", problemType(t, w))
}

func TestPipelineRouteNotFound(t *testing.T) {
	cfg := proxyConfig(config.Endpoint{Scheme: "http", Host: "127.0.0.1", Port: 1})
	cfg.Routes[0].HTTP = &config.HTTPMatch{Methods: []string{"GET"}, Path: "/v1"}

	p := newTestPipeline(t, cfg, nil)
	w := doCall(p, http.MethodPost, "/other", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "route_not_found.v1", problemType(t, w))
}

func TestPipelineAuthGatesUpstream(t *testing.T) {
	var hits atomic.Int32
	var sawKey atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		sawKey.Store(r.Header.Get("X-API-Key") != "")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := proxyConfig(endpointOf(t, srv.URL))
	cfg.Tenants[0].Auth = &config.AuthPolicy{Plugin: config.PluginRef{ID: "apikey"}}

	p := newTestPipeline(t, cfg, map[string]string{"api-key": "s3cret"})

	w := doCall(p, http.MethodGet, "/v1", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int32(0), hits.Load())

	w = doCall(p, http.MethodGet, "/v1", http.Header{"X-Api-Key": {"s3cret"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), hits.Load())
	// The credential never travels upstream.
	assert.False(t, sawKey.Load())
}

func TestPipelineUpstreamFailurePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	p := newTestPipeline(t, proxyConfig(endpointOf(t, srv.URL)), nil)
	w := doCall(p, http.MethodGet, "/v1", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "down", w.Body.String())
	assert.Equal(t, oagwerr.SourceUpstream, w.Header().Get(oagwerr.HeaderErrorSource))
}

func TestPipelineRespondDirectiveSkipsUpstream(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := proxyConfig(endpointOf(t, srv.URL))
	cfg.Plugins = []config.PluginDef{{
		ID:     "shortcut",
		Tenant: "acme",
		Kind:   config.PluginKindGuard,
		Phases: []config.PluginPhase{config.PhaseOnRequest},
		Source: `{"action": "respond", "status": 204}`,
	}}
	cfg.Routes[0].Plugins = &config.PluginPolicy{
		Refs: []config.PluginRef{{ID: "shortcut"}},
	}

	p := newTestPipeline(t, cfg, nil)
	w := doCall(p, http.MethodGet, "/v1", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, int32(0), hits.Load())
}

func TestPipelineRateLimitDegrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("live"))
	}))
	defer srv.Close()

	cfg := proxyConfig(endpointOf(t, srv.URL))
	cfg.Upstreams[0].RateLimit = &config.RateLimitPolicy{
		Requests: 1,
		Window:   config.Duration(time.Minute),
		Strategy: config.StrategyDegrade,
		Degrade: &config.DegradeResponse{
			Status:      http.StatusOK,
			ContentType: "text/plain",
			Body:        "cached",
		},
	}

	p := newTestPipeline(t, cfg, nil)

	w := doCall(p, http.MethodGet, "/v1", nil)
	assert.Equal(t, "live", w.Body.String())

	w = doCall(p, http.MethodGet, "/v1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cached", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
}

func TestPipelineCORSOrigin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := proxyConfig(endpointOf(t, srv.URL))
	cfg.Tenants[0].CORS = &config.CORSPolicy{Origins: []string{"https://app.example.com"}}

	p := newTestPipeline(t, cfg, nil)

	w := doCall(p, http.MethodGet, "/v1", http.Header{"Origin": {"https://app.example.com"}})
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = doCall(p, http.MethodGet, "/v1", http.Header{"Origin": {"https://evil.example.com"}})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
