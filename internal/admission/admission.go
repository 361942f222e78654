// Package admission decides whether a routed request may dispatch. The
// checks run in a fixed order: circuit breaker, then concurrency permit,
// then rate limiter, so a tripped breaker spends no bucket tokens and a
// queued request already holds its permit when it finally dispatches.
package admission

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/oagw/internal/circuitbreaker"
	"github.com/vyrodovalexey/oagw/internal/concurrency"
	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/metrics"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
	"github.com/vyrodovalexey/oagw/internal/ratelimit"
)

// Default queue parameters for strategy=queue policies that leave them out.
const (
	DefaultQueueSize    = 64
	DefaultQueueTimeout = 5 * time.Second

	queuePollInterval = 10 * time.Millisecond
)

// Request carries everything the controller needs for one decision. The
// rate limit policy is the hierarchy-resolved effective one.
type Request struct {
	TenantID string
	UserID   string
	ClientIP string

	Upstream *config.Upstream
	Route    *config.Route
	Endpoint config.Endpoint

	RateLimit *config.RateLimitPolicy
}

// Ticket is an admitted request's receipt. Exactly one of the outcome
// methods must be called when the request finishes; the degraded variant
// is already finished when handed out.
type Ticket struct {
	// Headers carries the X-RateLimit values for the response.
	Headers map[string]string

	// Degraded is set when the rate limiter denied the request and the
	// policy chose a static fallback. No upstream call may happen.
	Degraded *config.DegradeResponse

	breaker *circuitbreaker.Breaker
	permit  *concurrency.Limiter
	once    sync.Once
}

// Succeed records a successful upstream exchange and releases the permit.
func (t *Ticket) Succeed() {
	t.once.Do(func() {
		if t.breaker != nil {
			t.breaker.RecordSuccess()
		}
		t.release()
	})
}

// Fail records an upstream failure and releases the permit.
func (t *Ticket) Fail() {
	t.once.Do(func() {
		if t.breaker != nil {
			t.breaker.RecordFailure()
		}
		t.release()
	})
}

// Abort releases the permit without recording a breaker outcome. Used when
// the downstream client walks away mid-stream; that says nothing about
// upstream health.
func (t *Ticket) Abort() {
	t.once.Do(t.release)
}

func (t *Ticket) release() {
	if t.permit != nil {
		t.permit.Release()
	}
}

// Controller owns the per-upstream admission state.
type Controller struct {
	breakers *circuitbreaker.Registry
	permits  *concurrency.Registry
	redis    redis.UniversalClient
	logger   observability.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	queues   map[string]chan struct{}
}

type limiterEntry struct {
	limiter     ratelimit.Limiter
	fingerprint string
}

// Option customizes a Controller.
type Option func(*Controller)

// WithRedis routes limiter state through a shared Redis backend.
func WithRedis(client redis.UniversalClient) Option {
	return func(c *Controller) { c.redis = client }
}

// WithMetrics overrides the collector set, usually with a test registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController creates a controller with empty registries.
func NewController(logger observability.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = observability.NopLogger()
	}
	c := &Controller{
		permits:  concurrency.NewRegistry(),
		logger:   logger,
		limiters: make(map[string]*limiterEntry),
		queues:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.Default()
	}
	c.breakers = circuitbreaker.NewRegistry(logger,
		circuitbreaker.WithTransitionHook(func(name string, from, to circuitbreaker.State) {
			c.metrics.BreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
			c.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		}))
	return c
}

// Admit runs the admission sequence. A non-nil Ticket means the caller
// may dispatch, or must serve the degrade response when Degraded is set.
func (c *Controller) Admit(ctx context.Context, req Request) (*Ticket, error) {
	breaker := c.breakerFor(req)
	if breaker != nil {
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
	}

	ticket := &Ticket{breaker: breaker}

	if pol := req.Upstream.Concurrency; pol != nil && pol.MaxConcurrent > 0 {
		permit := c.permits.Get(permitKey(pol.Scope, req), pol.MaxConcurrent)
		if !permit.TryAcquire() {
			// A rejected request says nothing about upstream health.
			return nil, concurrency.ErrLimitExceeded(req.Upstream.ID, permit.Current())
		}
		ticket.permit = permit
	}

	if req.RateLimit == nil || req.RateLimit.Requests <= 0 {
		return ticket, nil
	}
	strategy := strategyLabel(req.RateLimit.Strategy)

	res, err := c.checkRate(ctx, req)
	if err != nil {
		ticket.Abort()
		return nil, oagwerr.Wrap(oagwerr.KindInternal, "rate limiter unavailable", err)
	}
	ticket.Headers = rateHeaders(req.RateLimit, res)

	if res.Allowed {
		c.metrics.RateLimitOutcomesTotal.WithLabelValues(req.Upstream.ID, strategy, "allowed").Inc()
		return ticket, nil
	}

	switch req.RateLimit.Strategy {
	case config.StrategyQueue:
		waitStart := time.Now()
		res, err = c.waitInQueue(ctx, req)
		c.metrics.QueueWaitSeconds.Observe(time.Since(waitStart).Seconds())
		if err != nil {
			ticket.Abort()
			c.metrics.RateLimitOutcomesTotal.WithLabelValues(req.Upstream.ID, strategy, "rejected").Inc()
			return nil, err
		}
		ticket.Headers = rateHeaders(req.RateLimit, res)
		c.metrics.RateLimitOutcomesTotal.WithLabelValues(req.Upstream.ID, strategy, "queued").Inc()
		return ticket, nil

	case config.StrategyDegrade:
		// Gateway-produced fallback; the permit is not needed.
		ticket.Abort()
		c.metrics.RateLimitOutcomesTotal.WithLabelValues(req.Upstream.ID, strategy, "degraded").Inc()
		degraded := req.RateLimit.Degrade
		if degraded == nil {
			degraded = &config.DegradeResponse{Status: 200}
		}
		return &Ticket{Headers: ticket.Headers, Degraded: degraded}, nil

	default:
		ticket.Abort()
		c.metrics.RateLimitOutcomesTotal.WithLabelValues(req.Upstream.ID, strategy, "rejected").Inc()
		return nil, oagwerr.New(oagwerr.KindRateLimitExceeded, "rate limit exceeded").
			WithField("limit", res.Limit).
			WithRetryAfter(res.RetryAfter)
	}
}

// permitKey derives the concurrency gate key. The default gates the whole
// upstream; narrower scopes get one gate per scope value.
func permitKey(scope config.RateLimitScope, req Request) string {
	switch scope {
	case config.ScopeTenant:
		return req.Upstream.ID + "|tenant|" + req.TenantID
	case config.ScopeUser:
		return req.Upstream.ID + "|user|" + req.UserID
	case config.ScopeIP:
		return req.Upstream.ID + "|ip|" + req.ClientIP
	case config.ScopeRoute:
		return req.Upstream.ID + "|route|" + req.Route.ID
	default:
		return req.Upstream.ID
	}
}

func strategyLabel(s config.DenialStrategy) string {
	if s == "" {
		return string(config.StrategyReject)
	}
	return string(s)
}

func (c *Controller) breakerFor(req Request) *circuitbreaker.Breaker {
	if req.Upstream.Breaker == nil {
		return nil
	}
	key := circuitbreaker.Key(req.Upstream, req.Endpoint.Addr())
	return c.breakers.Get(key, req.Upstream.Breaker)
}

func (c *Controller) checkRate(ctx context.Context, req Request) (ratelimit.Result, error) {
	limiter := c.limiterFor(req.Upstream.ID, req.RateLimit)
	key := ratelimit.BuildKey(req.RateLimit.Scope, ratelimit.KeyInput{
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		ClientIP:   req.ClientIP,
		UpstreamID: req.Upstream.ID,
		RouteID:    req.Route.ID,
	})
	return limiter.Allow(ctx, key, req.Route.EffectiveCost())
}

// limiterFor returns the upstream's limiter, rebuilding it when the
// effective policy parameters changed under a config reload.
func (c *Controller) limiterFor(upstreamID string, pol *config.RateLimitPolicy) ratelimit.Limiter {
	fp := policyFingerprint(pol)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.limiters[upstreamID]; ok && e.fingerprint == fp {
		return e.limiter
	}
	limiter := ratelimit.New(pol, c.redis, c.logger)
	c.limiters[upstreamID] = &limiterEntry{limiter: limiter, fingerprint: fp}
	return limiter
}

func policyFingerprint(p *config.RateLimitPolicy) string {
	return string(p.Algorithm) + "|" +
		strconv.Itoa(p.Requests) + "|" +
		p.Window.Duration().String() + "|" +
		strconv.Itoa(p.EffectiveBurst()) + "|" +
		string(p.Scope)
}

// waitInQueue holds the request in a bounded FIFO, re-checking the bucket
// until tokens free up or the queue timeout expires.
func (c *Controller) waitInQueue(ctx context.Context, req Request) (ratelimit.Result, error) {
	queue := c.queueFor(req.Upstream.ID, req.RateLimit)

	select {
	case queue <- struct{}{}:
		defer func() { <-queue }()
	default:
		return ratelimit.Result{}, oagwerr.New(oagwerr.KindQueueFull, "admission queue is full").
			WithField("upstream", req.Upstream.ID).
			WithField("queue_size", cap(queue))
	}

	timeout := req.RateLimit.QueueTimeout.Duration()
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ratelimit.Result{}, oagwerr.Wrap(oagwerr.KindStreamAborted,
					"client abandoned the queued request", ctx.Err())
			}
			return ratelimit.Result{}, oagwerr.New(oagwerr.KindQueueTimeout, "queued past the deadline").
				WithField("upstream", req.Upstream.ID).
				WithRetryAfter(timeout)
		case <-ticker.C:
			res, err := c.checkRate(ctx, req)
			if err != nil {
				return ratelimit.Result{}, oagwerr.Wrap(oagwerr.KindInternal, "rate limiter unavailable", err)
			}
			if res.Allowed {
				return res, nil
			}
		}
	}
}

func (c *Controller) queueFor(upstreamID string, pol *config.RateLimitPolicy) chan struct{} {
	size := pol.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if q, ok := c.queues[upstreamID]; ok && cap(q) == size {
		return q
	}
	q := make(chan struct{}, size)
	c.queues[upstreamID] = q
	return q
}

// rateHeaders builds the X-RateLimit response headers, honoring the
// policy's opt-out.
func rateHeaders(pol *config.RateLimitPolicy, res ratelimit.Result) map[string]string {
	if pol.DisableHeaders {
		return nil
	}
	reset := int(res.ResetAfter.Seconds())
	if reset < 1 && res.ResetAfter > 0 {
		reset = 1
	}
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(res.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(res.Remaining),
		"X-RateLimit-Reset":     strconv.Itoa(reset),
	}
}
