// Package circuitbreaker stops dispatch to persistently failing upstreams.
// The breaker walks closed, open, half_open: consecutive failures trip it,
// a recovery timeout admits a fixed number of probes, and probe outcomes
// decide between closing and re-opening.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/oagw/internal/config"
	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
)

// State is the breaker state.
type State int

const (
	// StateClosed admits all requests.
	StateClosed State = iota

	// StateOpen rejects all requests until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe requests.
	StateHalfOpen
)

// String returns the wire form of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Defaults applied when a policy leaves fields unset.
const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
	DefaultProbeCount       = 1
	DefaultSuccessThreshold = 1
)

// Breaker is one circuit breaker instance. All transitions happen under a
// single mutex; probe admission in half_open is exact, never approximate.
type Breaker struct {
	name   string
	logger observability.Logger

	failureThreshold int
	openTimeout      time.Duration
	probeCount       int
	successThreshold int

	now func() time.Time

	onTransition TransitionFunc

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	probesInFlight   int
	probeSuccesses   int
}

// TransitionFunc observes state changes, typically for metrics. It runs
// under the breaker mutex and must not call back into the breaker.
type TransitionFunc func(name string, from, to State)

// Option customizes a Breaker.
type Option func(*Breaker)

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook registers a state-change observer.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a closed breaker from a policy. Nil policies get defaults.
func New(name string, policy *config.BreakerPolicy, logger observability.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	b := &Breaker{
		name:             name,
		logger:           logger,
		failureThreshold: DefaultFailureThreshold,
		openTimeout:      DefaultOpenTimeout,
		probeCount:       DefaultProbeCount,
		successThreshold: DefaultSuccessThreshold,
		now:              time.Now,
	}
	if policy != nil {
		if policy.FailureThreshold > 0 {
			b.failureThreshold = policy.FailureThreshold
		}
		if policy.OpenTimeout.Duration() > 0 {
			b.openTimeout = policy.OpenTimeout.Duration()
		}
		if policy.ProbeCount > 0 {
			b.probeCount = policy.ProbeCount
		}
		if policy.SuccessThreshold > 0 {
			b.successThreshold = policy.SuccessThreshold
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a request may dispatch. Denials in the open state
// come back as circuit_breaker.open with the time remaining until probing
// as the retry hint.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		remaining := b.openTimeout - b.now().Sub(b.openedAt)
		if remaining > 0 {
			return oagwerr.New(oagwerr.KindCircuitOpen, "upstream circuit is open").
				WithField("breaker", b.name).
				WithRetryAfter(remaining)
		}
		b.transition(StateHalfOpen)
		b.probesInFlight = 1
		return nil

	case StateHalfOpen:
		if b.probesInFlight < b.probeCount {
			b.probesInFlight++
			return nil
		}
		return oagwerr.New(oagwerr.KindCircuitOpen, "upstream circuit is probing").
			WithField("breaker", b.name).
			WithRetryAfter(b.openTimeout)

	default:
		return oagwerr.New(oagwerr.KindInternal, "breaker in unknown state")
	}
}

// RecordSuccess reports a completed request that counts toward recovery.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFails = 0
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.successThreshold {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure reports a failed request. Downstream-caused aborts must
// not be recorded; the classifier decides what counts.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.failureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// One failed probe is enough evidence.
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next
	b.consecutiveFails = 0
	b.probesInFlight = 0
	b.probeSuccesses = 0
	if next == StateOpen {
		b.openedAt = b.now()
	}
	b.logger.Info("circuit breaker state changed",
		observability.String("breaker", b.name),
		observability.String("from", prev.String()),
		observability.String("to", next.String()),
	)
	if b.onTransition != nil {
		b.onTransition(b.name, prev, next)
	}
}
