// Package gateway wires the decision pipeline to its HTTP and gRPC
// surfaces. Every proxied call flows resolve, select, admit, on_request
// chain, execute, on_response or on_error chain, respond.
package gateway

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/oagw/internal/admission"
	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/executor"
	"github.com/vyrodovalexey/oagw/internal/hierarchy"
	"github.com/vyrodovalexey/oagw/internal/metrics"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/plugin"
	"github.com/vyrodovalexey/oagw/internal/selector"
)

// Pipeline is the per-request decision path.
type Pipeline struct {
	resolver  *hierarchy.Resolver
	selector  *selector.Selector
	admission *admission.Controller
	chains    *plugin.ChainCache
	executor  *executor.Executor
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    observability.Logger
}

// NewPipeline assembles the pipeline from its collaborators.
func NewPipeline(
	resolver *hierarchy.Resolver,
	sel *selector.Selector,
	ctrl *admission.Controller,
	chains *plugin.ChainCache,
	exec *executor.Executor,
	m *metrics.Metrics,
	logger observability.Logger,
) *Pipeline {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Pipeline{
		resolver:  resolver,
		selector:  sel,
		admission: ctrl,
		chains:    chains,
		executor:  exec,
		metrics:   m,
		tracer:    otel.Tracer("oagw/pipeline"),
		logger:    logger,
	}
}

// Call is one inbound proxy invocation.
type Call struct {
	TenantID string
	Alias    string
	Path     string
	ClientIP string

	Writer  http.ResponseWriter
	Request *http.Request
}

// Serve runs the full pipeline for one call. Errors are rendered as
// Problem Details; upstream responses pass through.
func (p *Pipeline) Serve(call Call) {
	started := time.Now()
	ctx, span := p.tracer.Start(call.Request.Context(), "oagw.proxy",
		trace.WithAttributes(
			attribute.String("oagw.tenant", call.TenantID),
			attribute.String("oagw.alias", call.Alias),
		),
	)
	defer span.End()
	call.Request = call.Request.WithContext(ctx)

	up, protocol, status := p.serve(call)
	if up != "" {
		p.metrics.ObserveRequest(up, protocol, status, time.Since(started))
	}
}

// serve returns the upstream id, protocol and final status for accounting.
func (p *Pipeline) serve(call Call) (string, string, int) {
	r := call.Request
	w := call.Writer

	up, err := p.selector.ResolveAlias(call.TenantID, call.Alias)
	if err != nil {
		p.deny(call, "", oagwerr.Classify(err))
		return "", "", 0
	}
	protocol := string(up.Protocol)

	eff, err := p.resolver.Resolve(call.TenantID, up)
	if err != nil {
		p.deny(call, up.ID, oagwerr.Classify(err))
		return up.ID, protocol, statusOf(err)
	}

	if origin := r.Header.Get("Origin"); origin != "" && originAllowed(eff.CORSOrigins, origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}

	route, err := p.selector.MatchRoute(up, selector.RouteRequest{
		Method: r.Method,
		Path:   call.Path,
	})
	if err != nil {
		p.deny(call, up.ID, oagwerr.Classify(err))
		return up.ID, protocol, statusOf(err)
	}

	endpoint, err := p.selector.SelectEndpoint(up, r.Header.Get(selector.HeaderTargetHost))
	if err != nil {
		p.deny(call, up.ID, oagwerr.Classify(err))
		return up.ID, protocol, statusOf(err)
	}
	p.metrics.SelectionsTotal.WithLabelValues(up.ID, selectionMechanism(r)).Inc()

	ticket, err := p.admission.Admit(r.Context(), admission.Request{
		TenantID:  call.TenantID,
		ClientIP:  call.ClientIP,
		Upstream:  up,
		Route:     route,
		Endpoint:  endpoint,
		RateLimit: eff.RateLimit,
	})
	if err != nil {
		classified := oagwerr.Classify(err)
		p.metrics.AdmissionDenialsTotal.WithLabelValues(up.ID, string(classified.Kind)).Inc()
		p.deny(call, up.ID, classified)
		return up.ID, protocol, classified.Status
	}

	if ticket.Degraded != nil {
		writeDegraded(w, ticket.Headers, ticket.Degraded)
		return up.ID, protocol, ticket.Degraded.Status
	}

	status := p.exchange(call, up, route, endpoint, eff, ticket)
	return up.ID, protocol, status
}

// exchange runs the plugin chain and the upstream call under an admission
// ticket, settling the ticket exactly once.
func (p *Pipeline) exchange(
	call Call,
	up *config.Upstream,
	route *config.Route,
	endpoint config.Endpoint,
	eff *hierarchy.Effective,
	ticket *admission.Ticket,
) int {
	r := call.Request
	w := call.Writer

	upstreamRefs := eff.Plugins
	if eff.Auth != nil {
		upstreamRefs = append([]config.PluginRef{eff.Auth.Plugin}, eff.Plugins...)
	}
	chain, err := p.chains.For(call.TenantID, up.ID, route, upstreamRefs)
	if err != nil {
		ticket.Abort()
		classified := oagwerr.Classify(err)
		p.deny(call, up.ID, classified)
		return classified.Status
	}

	req := p.buildRequest(call, route)
	d := chain.OnRequest(r.Context(), req)
	if rejection := d.Rejection(); rejection != nil {
		ticket.Abort()
		p.metrics.PluginDirectivesTotal.WithLabelValues("chain", "reject").Inc()
		final := chain.OnError(r.Context(), req, rejection)
		p.deny(call, up.ID, final)
		return final.Status
	}
	if resp := d.Response(); resp != nil {
		ticket.Abort()
		p.metrics.PluginDirectivesTotal.WithLabelValues("chain", "respond").Inc()
		writeRateHeaders(w, ticket.Headers)
		executor.WriteResponse(w, resp)
		return resp.Status
	}

	resp, execErr := p.executor.Execute(w, &executor.Exchange{
		Upstream:      up,
		Endpoint:      endpoint,
		Request:       req,
		ClientRequest: r,
		Timeout:       up.Timeout.Duration(),
	})
	if execErr != nil {
		p.metrics.UpstreamErrorsTotal.WithLabelValues(up.ID, string(execErr.Kind)).Inc()
		if execErr.Kind == oagwerr.KindStreamAborted {
			// Client walked away; not an upstream failure.
			ticket.Abort()
		} else {
			ticket.Fail()
		}
		final := chain.OnError(r.Context(), req, execErr)
		p.deny(call, up.ID, final)
		return final.Status
	}

	ticket.Succeed()

	if resp == nil {
		// Streamed directly by the driver.
		return http.StatusOK
	}

	d = chain.OnResponse(r.Context(), req, resp)
	if rejection := d.Rejection(); rejection != nil {
		final := chain.OnError(r.Context(), req, rejection)
		p.deny(call, up.ID, final)
		return final.Status
	}
	if override := d.Response(); override != nil {
		resp = override
	}

	writeRateHeaders(w, ticket.Headers)
	if resp.Status >= http.StatusBadRequest {
		// Upstream failures pass through unmodified, marked as such.
		w.Header().Set(oagwerr.HeaderErrorSource, oagwerr.SourceUpstream)
	}
	executor.WriteResponse(w, resp)
	return resp.Status
}

func (p *Pipeline) buildRequest(call Call, route *config.Route) *plugin.Request {
	r := call.Request
	return &plugin.Request{
		TenantID: call.TenantID,
		ClientIP: call.ClientIP,
		Method:   r.Method,
		Path:     selector.ForwardPath(route, call.Path),
		Query:    selector.FilterQuery(route, r.URL.Query()),
		Header:   r.Header.Clone(),
	}
}

// deny renders a classified failure, logging at debug; the error source is
// always the gateway here.
func (p *Pipeline) deny(call Call, upstreamID string, e *oagwerr.Error) {
	p.logger.Debug("request denied",
		observability.String("tenant", call.TenantID),
		observability.String("alias", call.Alias),
		observability.String("upstream", upstreamID),
		observability.String("kind", string(e.Kind)),
		observability.Int("status", e.Status),
	)
	// A mid-stream failure cannot be rendered once headers are on the wire.
	if ww, ok := call.Writer.(interface{ Written() bool }); ok && ww.Written() {
		return
	}
	e.WriteHTTP(call.Writer)
}

func statusOf(err error) int {
	return oagwerr.Classify(err).Status
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func selectionMechanism(r *http.Request) string {
	if r.Header.Get(selector.HeaderTargetHost) != "" {
		return "target_host"
	}
	return "round_robin"
}

func writeRateHeaders(w http.ResponseWriter, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
}

func writeDegraded(w http.ResponseWriter, headers map[string]string, d *config.DegradeResponse) {
	writeRateHeaders(w, headers)
	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	status := d.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if d.Body != "" {
		_, _ = w.Write([]byte(d.Body))
	}
}
