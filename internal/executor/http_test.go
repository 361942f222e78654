package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/plugin"
	"github.com/vyrodovalexey/oagw/internal/selector"
)

func endpointFor(t *testing.T, srv *httptest.Server) config.Endpoint {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return config.Endpoint{Scheme: u.Scheme, Host: u.Hostname(), Port: port}
}

func exchangeFor(t *testing.T, srv *httptest.Server, req *plugin.Request) *Exchange {
	t.Helper()
	client := httptest.NewRequest(req.Method, "http://gateway.local"+req.Path, nil)
	return &Exchange{
		Upstream:      &config.Upstream{ID: "up1", Protocol: config.ProtocolHTTP},
		Endpoint:      endpointFor(t, srv),
		Request:       req,
		ClientRequest: client,
	}
}

func pluginRequest(method, path string) *plugin.Request {
	return &plugin.Request{
		TenantID: "acme",
		Method:   method,
		Path:     path,
		Query:    url.Values{},
		Header:   make(http.Header),
	}
}

func TestHTTPDriverForwardsAndBuffers(t *testing.T) {
	var seen *http.Request
	var seenBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		seenBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Vendor", "v1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	req := pluginRequest(http.MethodPost, "/v1/items")
	req.Query.Set("page", "2")
	req.Header.Set("X-Request-Id", "abc")
	req.Header.Set(selector.HeaderTargetHost, "vendor.example.com")
	req.Header.Set("Connection", "keep-alive")
	req.Body = []byte(`{"name":"ada"}`)

	d := newHTTPDriver(Timeouts{}.withDefaults(), nil)
	resp, execErr := d.Execute(nil, exchangeFor(t, srv, req))
	require.Nil(t, execErr)
	require.NotNil(t, resp)

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "v1", resp.Header.Get("X-Vendor"))
	assert.Equal(t, `{"ok":true}`, string(resp.Body))

	require.NotNil(t, seen)
	assert.Equal(t, "/v1/items", seen.URL.Path)
	assert.Equal(t, "2", seen.URL.Query().Get("page"))
	assert.Equal(t, "abc", seen.Header.Get("X-Request-Id"))
	assert.Empty(t, seen.Header.Get(selector.HeaderTargetHost))
	assert.Equal(t, `{"name":"ada"}`, string(seenBody))
	assert.NotEmpty(t, seen.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", seen.Header.Get("X-Forwarded-Proto"))
}

func TestHTTPDriverPassesThroughUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "vendor exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newHTTPDriver(Timeouts{}.withDefaults(), nil)
	resp, execErr := d.Execute(nil, exchangeFor(t, srv, pluginRequest(http.MethodGet, "/")))
	require.Nil(t, execErr, "an upstream 5xx is a response, not a gateway failure")
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	assert.Contains(t, string(resp.Body), "vendor exploded")
}

func TestHTTPDriverRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ex := exchangeFor(t, srv, pluginRequest(http.MethodGet, "/slow"))
	ex.Timeout = 50 * time.Millisecond

	d := newHTTPDriver(Timeouts{}.withDefaults(), nil)
	_, execErr := d.Execute(nil, ex)
	require.NotNil(t, execErr)
	assert.Equal(t, oagwerr.KindRequestTimeout, execErr.Kind)
	assert.Positive(t, execErr.RetryAfter)
}

func TestHTTPDriverClientDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ex := exchangeFor(t, srv, pluginRequest(http.MethodGet, "/slow"))
	ctx, cancel := context.WithCancel(context.Background())
	ex.ClientRequest = ex.ClientRequest.WithContext(ctx)
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	d := newHTTPDriver(Timeouts{}.withDefaults(), nil)
	_, execErr := d.Execute(nil, ex)
	require.NotNil(t, execErr)
	assert.Equal(t, oagwerr.KindStreamAborted, execErr.Kind)
}

func TestHTTPDriverConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	ex := exchangeFor(t, srv, pluginRequest(http.MethodGet, "/"))
	srv.Close()

	d := newHTTPDriver(Timeouts{}.withDefaults(), nil)
	_, execErr := d.Execute(nil, ex)
	require.NotNil(t, execErr)
	assert.Equal(t, oagwerr.KindDownstreamError, execErr.Kind)
}

func TestExecutorUnknownProtocol(t *testing.T) {
	e := New()
	ex := &Exchange{
		Upstream:      &config.Upstream{ID: "up1", Protocol: config.ProtocolWebTransport},
		ClientRequest: httptest.NewRequest(http.MethodGet, "/", nil),
		Request:       pluginRequest(http.MethodGet, "/"),
	}
	_, execErr := e.Execute(nil, ex)
	require.NotNil(t, execErr)
	assert.Equal(t, oagwerr.KindProtocolError, execErr.Kind)
}

func TestExecutorRegisterDriver(t *testing.T) {
	e := New()
	e.Register(config.ProtocolWebTransport, driverFunc(func(http.ResponseWriter, *Exchange) (*plugin.Response, *oagwerr.Error) {
		return plugin.NewResponse(http.StatusOK), nil
	}))

	ex := &Exchange{
		Upstream:      &config.Upstream{ID: "up1", Protocol: config.ProtocolWebTransport},
		ClientRequest: httptest.NewRequest(http.MethodGet, "/", nil),
		Request:       pluginRequest(http.MethodGet, "/"),
	}
	resp, execErr := e.Execute(nil, ex)
	require.Nil(t, execErr)
	assert.Equal(t, http.StatusOK, resp.Status)
}

type driverFunc func(http.ResponseWriter, *Exchange) (*plugin.Response, *oagwerr.Error)

func (f driverFunc) Execute(w http.ResponseWriter, ex *Exchange) (*plugin.Response, *oagwerr.Error) {
	return f(w, ex)
}

func TestWriteResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	resp := plugin.NewResponse(http.StatusTeapot)
	resp.Header.Set("X-Vendor", "v1")
	resp.Header.Set("Content-Length", "9999")
	resp.Body = []byte("short")

	WriteResponse(rec, resp)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "v1", rec.Header().Get("X-Vendor"))
	assert.Equal(t, "short", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Length"), "stale length must not survive transforms")
}

func TestCanonicalMIME(t *testing.T) {
	assert.Equal(t, "text/event-stream", canonicalMIME("Text/Event-Stream; charset=utf-8"))
	assert.Equal(t, "application/json", canonicalMIME(" application/json "))
}

func TestBodyExpected(t *testing.T) {
	assert.False(t, bodyExpected(http.MethodGet))
	assert.False(t, bodyExpected(http.MethodHead))
	assert.True(t, bodyExpected(http.MethodPost))
	assert.True(t, bodyExpected(http.MethodPut))
	assert.True(t, bodyExpected(http.MethodPatch))
}
