package execution

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomePartial = "partial"
)

// Metrics records upstream sub-operations.
type Metrics struct {
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// NewMetrics creates the upstream metrics and registers them with registerer when it is not nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mesh",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Sub-operations sent to upstream sources by outcome",
		}, []string{"source", "outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mesh",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream sub-operation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.upstreamRequests, m.upstreamDuration)
	}
	return m
}

func (m *Metrics) observe(source, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(source, outcome).Inc()
	m.upstreamDuration.WithLabelValues(source).Observe(duration.Seconds())
}
