package executor

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/plugin"
	"github.com/vyrodovalexey/oagw/internal/selector"
)

// hopHeaders are never forwarded either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// httpDriver performs plain request/response HTTP exchanges. The response
// is buffered so on_response transforms can rewrite it.
type httpDriver struct {
	client   *http.Client
	timeouts Timeouts
	logger   observability.Logger
}

func newHTTPDriver(t Timeouts, logger observability.Logger) *httpDriver {
	return &httpDriver{
		client: &http.Client{
			Transport: newTransport(t.Connect),
			// Upstream redirects pass through to the caller unmodified.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeouts: t,
		logger:   logger,
	}
}

func newTransport(connectTimeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// Execute implements Driver.
func (d *httpDriver) Execute(_ http.ResponseWriter, ex *Exchange) (*plugin.Response, *oagwerr.Error) {
	clientCtx := ex.ClientRequest.Context()
	ctx, cancel := context.WithTimeout(clientCtx, requestTimeout(ex, d.timeouts.Request))
	defer cancel()

	out, buildErr := buildOutbound(ctx, ex)
	if buildErr != nil {
		return nil, buildErr
	}

	resp, err := d.client.Do(out)
	if err != nil {
		return nil, classifyTransport(clientCtx, err, time.Second)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(clientCtx, err, time.Second)
	}

	buffered := &plugin.Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}
	for _, h := range hopHeaders {
		buffered.Header.Del(h)
	}
	return buffered, nil
}

// buildOutbound assembles the upstream request from the mutated request
// context. The target selection header never travels upstream.
func buildOutbound(ctx context.Context, ex *Exchange) (*http.Request, *oagwerr.Error) {
	u := ex.Endpoint.URL() + ex.Request.Path
	if q := ex.Request.Query.Encode(); q != "" {
		u += "?" + q
	}

	var body io.Reader
	if len(ex.Request.Body) > 0 {
		body = bytes.NewReader(ex.Request.Body)
	} else if ex.ClientRequest.Body != nil && bodyExpected(ex.Request.Method) {
		body = ex.ClientRequest.Body
	}

	out, err := http.NewRequestWithContext(ctx, ex.Request.Method, u, body)
	if err != nil {
		return nil, oagwerr.Wrap(oagwerr.KindProtocolError, "building upstream request failed", err)
	}

	out.Header = ex.Request.Header.Clone()
	out.Header.Del(selector.HeaderTargetHost)
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	forwardedHeaders(out, ex.ClientRequest)
	out.Host = ex.Endpoint.Host
	return out, nil
}

func bodyExpected(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		return false
	}
	return true
}

// forwardedHeaders records the client hop.
func forwardedHeaders(out *http.Request, client *http.Request) {
	if clientIP, _, err := net.SplitHostPort(client.RemoteAddr); err == nil {
		if prior := client.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if client.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-Host", client.Host)
}

// WriteResponse copies a buffered response to the client.
func WriteResponse(w http.ResponseWriter, resp *plugin.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	// Transforms may have resized the body; let the server recompute.
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// canonicalMIME lowercases a media type, dropping parameters.
func canonicalMIME(contentType string) string {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
