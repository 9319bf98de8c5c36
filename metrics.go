package resilient

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the retry engine and its
// coordination primitives. It is safe for concurrent use.
type MetricsCollector struct {
	attemptsTotal  *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	retryDelay     *prometheus.HistogramVec
	decisionsTotal *prometheus.CounterVec

	reauthTotal     prometheus.Counter
	reauthCoalesced prometheus.Counter

	resourceActive prometheus.Gauge
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		attemptsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilient_attempts_total",
				Help: "Total number of attempts dispatched",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilient_retries_total",
				Help: "Total number of retries scheduled",
			},
			[]string{"handler", "endpoint"},
		),
		retryDelay: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resilient_retry_delay_seconds",
				Help:    "Delay waited before a retry attempt in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler"},
		),
		decisionsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilient_handler_decisions_total",
				Help: "Retry decisions taken by error handlers",
			},
			[]string{"handler", "decision"},
		),
		reauthTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "resilient_reauth_total",
				Help: "Total number of completed reauthorizations observed",
			},
		),
		reauthCoalesced: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "resilient_reauth_coalesced_total",
				Help: "Reauthorizations satisfied by a concurrent caller's refresh",
			},
		),
		resourceActive: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "resilient_shared_resource_holders",
				Help: "Current reference count of the shared resource",
			},
		),
	}
}

// RecordAttempt counts one dispatched attempt.
func (mc *MetricsCollector) RecordAttempt(method, endpoint string) {
	mc.attemptsTotal.WithLabelValues(method, endpoint).Inc()
}

// RecordRetry counts one scheduled retry.
func (mc *MetricsCollector) RecordRetry(handler, endpoint string) {
	mc.retriesTotal.WithLabelValues(handler, endpoint).Inc()
}

// RecordRetryDelay observes the delay waited before a retry.
func (mc *MetricsCollector) RecordRetryDelay(handler string, delay time.Duration) {
	mc.retryDelay.WithLabelValues(handler).Observe(delay.Seconds())
}

// RecordDecision counts a handler decision.
func (mc *MetricsCollector) RecordDecision(handler string, retried bool) {
	decision := "no-retry"
	if retried {
		decision = "retry"
	}
	mc.decisionsTotal.WithLabelValues(handler, decision).Inc()
}

// RecordReauth counts one observed reauthorization, coalesced or not.
func (mc *MetricsCollector) RecordReauth(coalesced bool) {
	mc.reauthTotal.Inc()
	if coalesced {
		mc.reauthCoalesced.Inc()
	}
}

// SetResourceHolders records the shared resource's reference count.
func (mc *MetricsCollector) SetResourceHolders(n int) {
	mc.resourceActive.Set(float64(n))
}

func getEndpointFromRequest(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}

	host := req.URL.Host
	path := req.URL.Path

	var builder strings.Builder
	builder.WriteString(host)

	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}
