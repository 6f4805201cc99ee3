package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/felipemaragno/retryq/internal/domain"
	"github.com/felipemaragno/retryq/internal/topology"
)

func TestNewMetrics(t *testing.T) {
	// Reset default registry for test isolation
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := NewMetrics("retryq")

	if m.RetriesScheduled == nil {
		t.Error("RetriesScheduled counter vec should not be nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth gauge should not be nil")
	}
	if m.HTTPRequestsTotal == nil {
		t.Error("HTTPRequestsTotal counter vec should not be nil")
	}
	if m.NodeBreakerState == nil {
		t.Error("NodeBreakerState gauge vec should not be nil")
	}
}

func TestRecorder(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	r := m.Recorder()

	r.Scheduled(domain.StatusTimeout)
	r.Scheduled(domain.StatusTimeout)
	r.Dispatched(2)
	r.Finished(domain.OutcomeTimedOut, domain.StatusNetworkError)
	r.Cancelled()
	r.RefreshRequested()
	r.Depth(7)

	if got := testutil.ToFloat64(m.RetriesScheduled.WithLabelValues("TIMEOUT")); got != 2 {
		t.Errorf("scheduled = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RetriesDispatched.WithLabelValues("2")); got != 1 {
		t.Errorf("dispatched = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RetriesFinished.WithLabelValues("timed_out", "NETWORK_ERROR")); got != 1 {
		t.Errorf("finished = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 7 {
		t.Errorf("depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.RetriesCancelled); got != 1 {
		t.Errorf("cancelled = %v, want 1", got)
	}
}

func TestObserveBreaker(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")

	m.ObserveBreaker(1, topology.BreakerClosed, topology.BreakerOpen)
	m.ObserveBreaker(1, topology.BreakerOpen, topology.BreakerHalfOpen)

	if got := testutil.ToFloat64(m.NodeBreakerState.WithLabelValues("1")); got != 1 {
		t.Errorf("state = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.NodeBreakerTrips.WithLabelValues("1")); got != 1 {
		t.Errorf("trips = %v, want 1", got)
	}
}

func TestObserveResponse(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	req := domain.NewRequest(domain.OpGet, []byte("k"), time.Now())

	m.ObserveResponse(domain.NewResponse(req, domain.StatusSuccess, domain.OutcomeCompleted))

	if got := testutil.ToFloat64(m.OperationsCompleted.WithLabelValues("completed", "SUCCESS")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
}
