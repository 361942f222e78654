// Package executor drives upstream calls per protocol. Each protocol has a
// driver; drivers stream bodies, apply timeouts, and classify transport
// failures into the gateway taxonomy. A failed attempt is surfaced exactly
// once, never retried.
package executor

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/plugin"
)

// Timeouts bound the phases of an upstream call. Zero fields fall back to
// the defaults below; a per-upstream timeout overrides Request.
type Timeouts struct {
	Connect time.Duration
	Request time.Duration
	Idle    time.Duration
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = defaultConnectTimeout
	}
	if t.Request <= 0 {
		t.Request = defaultRequestTimeout
	}
	if t.Idle <= 0 {
		t.Idle = defaultIdleTimeout
	}
	return t
}

// Exchange is one prepared upstream call: the selected endpoint, the
// request context as mutated by the on_request chain, and the raw client
// request for streaming upgrades and cancellation.
type Exchange struct {
	Upstream *config.Upstream
	Endpoint config.Endpoint
	Request  *plugin.Request

	// ClientRequest carries the client's context; its cancellation is the
	// client-disconnect signal.
	ClientRequest *http.Request

	// Timeout overrides the executor's request timeout when positive.
	Timeout time.Duration
}

// Driver executes an exchange over one protocol. Buffered drivers return
// the upstream response for the on_response chain; streaming drivers write
// to w directly and return a nil response.
type Driver interface {
	Execute(w http.ResponseWriter, ex *Exchange) (*plugin.Response, *oagwerr.Error)
}

// Executor dispatches exchanges to protocol drivers.
type Executor struct {
	drivers  map[config.Protocol]Driver
	timeouts Timeouts
	logger   observability.Logger
}

// Option configures the executor.
type Option func(*Executor)

// WithTimeouts sets the phase timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(e *Executor) {
		e.timeouts = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an executor with the builtin HTTP, SSE, and WebSocket
// drivers registered. Further protocols register via Register.
func New(opts ...Option) *Executor {
	e := &Executor{
		drivers: make(map[config.Protocol]Driver),
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.timeouts = e.timeouts.withDefaults()

	e.Register(config.ProtocolHTTP, newHTTPDriver(e.timeouts, e.logger))
	e.Register(config.ProtocolSSE, newSSEDriver(e.timeouts, e.logger))
	e.Register(config.ProtocolWebSocket, newWebSocketDriver(e.timeouts, e.logger))
	return e
}

// Register installs or replaces the driver for a protocol.
func (e *Executor) Register(p config.Protocol, d Driver) {
	e.drivers[p] = d
}

// Execute runs the exchange on the driver for the upstream's protocol.
func (e *Executor) Execute(w http.ResponseWriter, ex *Exchange) (*plugin.Response, *oagwerr.Error) {
	driver, ok := e.drivers[ex.Upstream.Protocol]
	if !ok {
		return nil, oagwerr.New(oagwerr.KindProtocolError, "no driver for protocol").
			WithField("protocol", string(ex.Upstream.Protocol))
	}
	return driver.Execute(w, ex)
}

// requestTimeout picks the effective overall timeout for an exchange.
func requestTimeout(ex *Exchange, fallback time.Duration) time.Duration {
	if ex.Timeout > 0 {
		return ex.Timeout
	}
	return fallback
}
