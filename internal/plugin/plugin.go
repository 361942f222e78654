// Package plugin executes ordered request-processing chains. Stages come
// in three kinds (auth, guard, transform) and three phases (on_request,
// on_response, on_error); each stage returns a directive the chain driver
// interprets as a small state machine.
package plugin

import (
	"context"
	"net/http"
	"net/url"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
)

// Scope says where a plugin reference was attached. Upstream-scope stages
// always run before route-scope stages.
type Scope int

const (
	ScopeUpstream Scope = iota
	ScopeRoute
)

// Request is the mutable request context handed to each stage. Mutations
// are visible to later stages and, for on_request, to the upstream call.
type Request struct {
	TenantID string
	UserID   string
	ClientIP string

	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a buffered response context for on_response transforms and
// respond directives.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse creates a response with an empty header map.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

type directiveKind int

const (
	directiveNext directiveKind = iota
	directiveReject
	directiveRespond
)

// Directive is a stage's verdict: continue, abort with an error, or abort
// with a caller-supplied response.
type Directive struct {
	kind     directiveKind
	err      *oagwerr.Error
	response *Response
}

// Next continues to the following stage.
func Next() Directive {
	return Directive{kind: directiveNext}
}

// Reject aborts the chain; the gateway synthesizes a Problem Details
// response from the error.
func Reject(err *oagwerr.Error) Directive {
	return Directive{kind: directiveReject, err: err}
}

// Respond aborts the chain with a synthesized success response; the
// upstream is never called.
func Respond(resp *Response) Directive {
	return Directive{kind: directiveRespond, response: resp}
}

// IsNext reports whether the chain should continue.
func (d Directive) IsNext() bool { return d.kind == directiveNext }

// Rejection returns the abort error, or nil.
func (d Directive) Rejection() *oagwerr.Error { return d.err }

// Response returns the synthesized response, or nil.
func (d Directive) Response() *Response { return d.response }

// Plugin is one executable stage. Phase methods a plugin does not
// participate in return Next.
type Plugin interface {
	ID() string
	Kind() config.PluginKind
	Phases() []config.PluginPhase

	OnRequest(ctx context.Context, req *Request) Directive
	OnResponse(ctx context.Context, req *Request, resp *Response) Directive
	OnError(ctx context.Context, req *Request, failure *oagwerr.Error) *oagwerr.Error
}

// Base provides no-op phase methods for plugins that only implement some
// phases.
type Base struct{}

func (Base) OnRequest(context.Context, *Request) Directive { return Next() }

func (Base) OnResponse(context.Context, *Request, *Response) Directive { return Next() }

func (Base) OnError(_ context.Context, _ *Request, failure *oagwerr.Error) *oagwerr.Error {
	return failure
}
