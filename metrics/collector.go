// Package metrics exposes Prometheus instrumentation for the generation
// pipeline: job lifecycle counts, per-unit outcomes, provider latency and
// token spend, and live rate limiter state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BaSui01/dataforge/ratelimit"
)

const namespace = "dataforge"

// Unit outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeThrottled = "throttled"
	OutcomeTimeout   = "timeout"
	OutcomeProvider  = "provider_error"
	OutcomeDiscarded = "discarded"
)

// Collector holds every metric the service exports.
type Collector struct {
	JobsTotal   *prometheus.CounterVec
	JobsActive  prometheus.Gauge
	UnitsTotal  *prometheus.CounterVec
	UnitRetries prometheus.Counter

	ProviderDuration *prometheus.HistogramVec
	ProviderTokens   *prometheus.CounterVec
	ThrottleEvents   *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector registers all metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs reaching each terminal status.",
		}, []string{"status"}),

		JobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently pending or running.",
		}),

		UnitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_units_total",
			Help:      "Generation units by final outcome.",
		}, []string{"outcome"}),

		UnitRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_unit_retries_total",
			Help:      "Retry attempts across all generation units.",
		}),

		ProviderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Wall time of provider generate calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),

		ProviderTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Tokens consumed per provider.",
		}, []string{"provider", "kind"}),

		ThrottleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_throttle_events_total",
			Help:      "429 responses observed per provider.",
		}, []string{"provider"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveProviderCall records one provider round trip.
func (c *Collector) ObserveProviderCall(provider string, d time.Duration, promptTokens, completionTokens int) {
	c.ProviderDuration.WithLabelValues(provider).Observe(d.Seconds())
	if promptTokens > 0 {
		c.ProviderTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.ProviderTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// RegisterLimiter exports the limiter's live state as gauges.
func (c *Collector) RegisterLimiter(reg prometheus.Registerer, stats func() ratelimit.Stats) {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ratelimit_tokens",
		Help:      "Tokens currently available in the bucket.",
	}, func() float64 { return stats().Tokens })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ratelimit_in_flight",
		Help:      "Provider calls currently holding a concurrency slot.",
	}, func() float64 { return float64(stats().InFlight) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ratelimit_backoff_active",
		Help:      "1 while a provider backoff window is open.",
	}, func() float64 {
		if time.Now().Before(stats().BackoffUntil) {
			return 1
		}
		return 0
	})
}
