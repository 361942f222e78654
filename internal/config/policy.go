package config

// RateLimitAlgorithm selects the accounting algorithm for a bucket.
type RateLimitAlgorithm string

const (
	AlgorithmTokenBucket   RateLimitAlgorithm = "token_bucket"
	AlgorithmSlidingWindow RateLimitAlgorithm = "sliding_window"
)

// RateLimitScope keys the bucket.
type RateLimitScope string

const (
	ScopeGlobal RateLimitScope = "global"
	ScopeTenant RateLimitScope = "tenant"
	ScopeUser   RateLimitScope = "user"
	ScopeIP     RateLimitScope = "ip"
	ScopeRoute  RateLimitScope = "route"
)

// DenialStrategy selects what happens when a bucket denies a request.
type DenialStrategy string

const (
	// StrategyReject answers 429 immediately.
	StrategyReject DenialStrategy = "reject"

	// StrategyQueue holds the request in a bounded FIFO until a slot frees
	// or the queue timeout elapses.
	StrategyQueue DenialStrategy = "queue"

	// StrategyDegrade answers with a configured static fallback response
	// instead of calling the upstream.
	StrategyDegrade DenialStrategy = "degrade"
)

// BudgetMode controls config-write-time validation of limits across a
// tenant subtree.
type BudgetMode string

const (
	// BudgetAllocated rejects a new or overridden limit when the sum of
	// descendant allocations exceeds total * overcommit ratio.
	BudgetAllocated BudgetMode = "allocated"

	// BudgetShared pools consumption across tenants sharing the bucket key.
	BudgetShared BudgetMode = "shared"

	// BudgetUnlimited skips all budget validation.
	BudgetUnlimited BudgetMode = "unlimited"
)

// DegradeResponse is the static fallback template for strategy=degrade.
type DegradeResponse struct {
	Status      int    `yaml:"status" json:"status"`
	ContentType string `yaml:"contentType,omitempty" json:"contentType,omitempty"`
	Body        string `yaml:"body,omitempty" json:"body,omitempty"`
}

// RateLimitPolicy configures one rate limit with its sharing mode.
type RateLimitPolicy struct {
	Sharing SharingMode `yaml:"sharing,omitempty" json:"sharing,omitempty"`

	Algorithm RateLimitAlgorithm `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
	Requests  int                `yaml:"requests" json:"requests"`
	Window    Duration           `yaml:"window" json:"window"`
	Burst     int                `yaml:"burst,omitempty" json:"burst,omitempty"`
	Scope     RateLimitScope     `yaml:"scope,omitempty" json:"scope,omitempty"`

	Strategy     DenialStrategy   `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	QueueSize    int              `yaml:"queueSize,omitempty" json:"queueSize,omitempty"`
	QueueTimeout Duration         `yaml:"queueTimeout,omitempty" json:"queueTimeout,omitempty"`
	Degrade      *DegradeResponse `yaml:"degrade,omitempty" json:"degrade,omitempty"`

	Budget          BudgetMode `yaml:"budget,omitempty" json:"budget,omitempty"`
	Total           int        `yaml:"total,omitempty" json:"total,omitempty"`
	OvercommitRatio float64    `yaml:"overcommitRatio,omitempty" json:"overcommitRatio,omitempty"`

	// DisableHeaders suppresses the X-RateLimit-* response headers.
	DisableHeaders bool `yaml:"disableHeaders,omitempty" json:"disableHeaders,omitempty"`
}

// EffectiveBurst returns the bucket capacity; it defaults to the sustained
// request count when unset.
func (p *RateLimitPolicy) EffectiveBurst() int {
	if p.Burst > 0 {
		return p.Burst
	}
	return p.Requests
}

// BreakerScope selects what a circuit breaker protects.
type BreakerScope string

const (
	BreakerPerUpstream BreakerScope = "per_upstream"
	BreakerPerEndpoint BreakerScope = "per_endpoint"
)

// BreakerPolicy configures the circuit breaker for an upstream.
type BreakerPolicy struct {
	Scope            BreakerScope `yaml:"scope,omitempty" json:"scope,omitempty"`
	FailureThreshold int          `yaml:"failureThreshold,omitempty" json:"failureThreshold,omitempty"`
	OpenTimeout      Duration     `yaml:"openTimeout,omitempty" json:"openTimeout,omitempty"`
	ProbeCount       int          `yaml:"probeCount,omitempty" json:"probeCount,omitempty"`
	SuccessThreshold int          `yaml:"successThreshold,omitempty" json:"successThreshold,omitempty"`
}

// ConcurrencyPolicy bounds in-flight requests for an upstream. A permit is
// held for the full duration of a streaming call.
type ConcurrencyPolicy struct {
	MaxConcurrent int            `yaml:"maxConcurrent" json:"maxConcurrent"`
	Scope         RateLimitScope `yaml:"scope,omitempty" json:"scope,omitempty"`
}
