// Package observability provides Prometheus metrics, health checks and
// logging for the retry scheduler.
//
// Uses github.com/prometheus/client_golang for metrics and
// github.com/lmittmann/tint for human readable console logs.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/felipemaragno/retryq/internal/domain"
	"github.com/felipemaragno/retryq/internal/retryq"
	"github.com/felipemaragno/retryq/internal/topology"
)

// Metrics holds all Prometheus metrics for the retry scheduler.
//
// Key metrics for monitoring:
//   - retries_scheduled_total: admissions to the retry queue by status
//   - retries_finished_total: operations the queue gave up on (alerts)
//   - retry_queue_depth: operations waiting for their next attempt
//   - node_breaker_state: node health (0=closed, 2=open)
type Metrics struct {
	RetriesScheduled  *prometheus.CounterVec
	RetriesDispatched *prometheus.CounterVec
	RetriesFinished   *prometheus.CounterVec
	RetriesCancelled  prometheus.Counter
	RefreshRequests   prometheus.Counter
	QueueDepth        prometheus.Gauge

	OperationsCompleted *prometheus.CounterVec
	OperationDuration   prometheus.Histogram
	OperationAttempts   prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	NodeBreakerState *prometheus.GaugeVec
	NodeBreakerTrips *prometheus.CounterVec
}

// NewMetrics registers all metrics with the default registerer.
// The namespace prefixes all metric names (e.g. "retryq_retries_scheduled_total").
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RetriesScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Total number of operations admitted to the retry queue",
		}, []string{"status"}),
		RetriesDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_dispatched_total",
			Help:      "Total number of retries handed back to the transport",
		}, []string{"server"}),
		RetriesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_finished_total",
			Help:      "Total number of queued operations completed by the retry queue",
		}, []string{"outcome", "status"}),
		RetriesCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_cancelled_total",
			Help:      "Total number of queued operations cancelled by their owner",
		}),
		RefreshRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topology_refresh_requests_total",
			Help:      "Total number of topology refreshes requested for unresolved retries",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_depth",
			Help:      "Number of operations waiting in the retry queue",
		}),

		OperationsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_completed_total",
			Help:      "Total number of operations answered, by outcome and status",
		}, []string{"outcome", "status"}),
		OperationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time from submission to response",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		OperationAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_retry_attempts",
			Help:      "Retry attempts per answered operation",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		NodeBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_breaker_state",
			Help:      "Current state of the node circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"server"}),
		NodeBreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_breaker_trips_total",
			Help:      "Total number of times a node circuit breaker opened",
		}, []string{"server"}),
	}
}

// ObserveResponse records a response delivered to a caller.
func (m *Metrics) ObserveResponse(resp *domain.Response) {
	m.OperationsCompleted.WithLabelValues(string(resp.Outcome), resp.Status.String()).Inc()
	m.OperationDuration.Observe(resp.Elapsed.Seconds())
	m.OperationAttempts.Observe(float64(resp.Attempts))
}

// ObserveBreaker matches topology.OnBreakerChange.
func (m *Metrics) ObserveBreaker(server int, from, to topology.BreakerState) {
	label := strconv.Itoa(server)
	m.NodeBreakerState.WithLabelValues(label).Set(breakerValue(to))
	if to == topology.BreakerOpen {
		m.NodeBreakerTrips.WithLabelValues(label).Inc()
	}
}

func breakerValue(s topology.BreakerState) float64 {
	switch s {
	case topology.BreakerHalfOpen:
		return 1
	case topology.BreakerOpen:
		return 2
	default:
		return 0
	}
}

// Recorder adapts the metrics to the retry queue.
func (m *Metrics) Recorder() retryq.Recorder {
	return queueRecorder{m}
}

type queueRecorder struct {
	m *Metrics
}

func (r queueRecorder) Scheduled(status domain.Status) {
	r.m.RetriesScheduled.WithLabelValues(status.String()).Inc()
}

func (r queueRecorder) Dispatched(server int) {
	r.m.RetriesDispatched.WithLabelValues(strconv.Itoa(server)).Inc()
}

func (r queueRecorder) Finished(outcome domain.Outcome, status domain.Status) {
	r.m.RetriesFinished.WithLabelValues(string(outcome), status.String()).Inc()
}

func (r queueRecorder) Cancelled() {
	r.m.RetriesCancelled.Inc()
}

func (r queueRecorder) RefreshRequested() {
	r.m.RefreshRequests.Inc()
}

func (r queueRecorder) Depth(n int) {
	r.m.QueueDepth.Set(float64(n))
}
