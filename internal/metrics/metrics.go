// Package metrics exposes Prometheus collectors for the request-admission
// and routing pipeline.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "oagw"
	subsystem = "core"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	RequestsTotal           *prometheus.CounterVec
	RequestDurationSeconds  *prometheus.HistogramVec
	AdmissionDenialsTotal   *prometheus.CounterVec
	RateLimitOutcomesTotal  *prometheus.CounterVec
	QueueWaitSeconds        prometheus.Histogram
	BreakerTransitionsTotal *prometheus.CounterVec
	BreakerState            *prometheus.GaugeVec
	SelectionsTotal         *prometheus.CounterVec
	PluginDirectivesTotal   *prometheus.CounterVec
	UpstreamErrorsTotal     *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Default returns the process-wide metrics registered on the default
// Prometheus registry.
func Default() *Metrics {
	once.Do(func() {
		instance = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return instance
}

// NewWithRegistry registers a fresh collector set on the given registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Requests processed, by upstream, protocol and status code",
			},
			[]string{"upstream", "protocol", "status_code"},
		),
		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "Wall time of the full pipeline per request",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"upstream", "protocol"},
		),
		AdmissionDenialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "admission_denials_total",
				Help:      "Requests denied before the upstream call, by reason",
			},
			[]string{"upstream", "reason"},
		),
		RateLimitOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limit_outcomes_total",
				Help:      "Rate limiter decisions, by strategy and outcome",
			},
			[]string{"upstream", "strategy", "outcome"},
		),
		QueueWaitSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_wait_seconds",
				Help:      "Time spent waiting for a queued rate-limit slot",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		BreakerTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "breaker_state",
				Help:      "Current breaker state (0 closed, 1 open, 2 half_open)",
			},
			[]string{"breaker"},
		),
		SelectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "endpoint_selections_total",
				Help:      "Endpoint selections, by upstream and mechanism",
			},
			[]string{"upstream", "mechanism"},
		),
		PluginDirectivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "plugin_directives_total",
				Help:      "Plugin chain directives, by plugin and directive",
			},
			[]string{"plugin", "directive"},
		),
		UpstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "upstream_errors_total",
				Help:      "Classified transport failures, by upstream and kind",
			},
			[]string{"upstream", "kind"},
		),
	}
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(upstream, protocol string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(upstream, protocol, strconv.Itoa(status)).Inc()
	m.RequestDurationSeconds.WithLabelValues(upstream, protocol).Observe(elapsed.Seconds())
}
