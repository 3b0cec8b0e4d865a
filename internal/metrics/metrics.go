// Package metrics defines the Prometheus metrics exposed on /ops/metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "govcp_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "govcp_dispatch_latency_seconds",
			Help:    "Time taken for a dispatch tick to scan and send work",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govcp_dispatch_attempts_total",
			Help: "Total dispatch attempts by transition and outcome",
		},
		[]string{"transition", "outcome"},
	)

	DenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govcp_denials_total",
			Help: "Total denials by code",
		},
		[]string{"code"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "govcp_breaker_state",
			Help: "Circuit breaker state by scope (0=closed, 1=half_open, 2=open)",
		},
		[]string{"scope"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govcp_rate_limit_hits_total",
			Help: "Total rate-limit denials by scope",
		},
		[]string{"scope"},
	)

	MemoryRecallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govcp_memory_recall_total",
			Help: "Total memory recalls by mode (semantic, keyword)",
		},
		[]string{"mode"},
	)

	OpsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "govcp_ops_requests_total",
			Help: "Total ops HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	OpsRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "govcp_ops_request_duration_seconds",
			Help:    "Ops HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	SSEConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "govcp_sse_connections",
			Help: "Current number of open SSE connections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		DispatchLatency,
		DispatchAttemptsTotal,
		DenialsTotal,
		BreakerState,
		RateLimitHitsTotal,
		MemoryRecallTotal,
		OpsRequestsTotal,
		OpsRequestDuration,
		SSEConnectionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports it to a histogram on completion.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
