package continuous

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are engine counters. One Metrics value can be shared by
// several delegates.
type Metrics struct {
	evaluations prometheus.Counter
	rebuilt     prometheus.Counter
	failures    *prometheus.CounterVec
	perEval     prometheus.Histogram
}

// NewMetrics registers the engine metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		evaluations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "contrait",
			Name:      "evaluations_total",
			Help:      "Number of likelihood evaluations.",
		}),
		rebuilt: f.NewCounter(prometheus.CounterOpts{
			Namespace: "contrait",
			Name:      "rebuilt_messages_total",
			Help:      "Number of node messages rebuilt by the post-order pass.",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contrait",
			Name:      "failures_total",
			Help:      "Number of failed evaluations by reason.",
		}, []string{"reason"}),
		perEval: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "contrait",
			Name:      "rebuilt_messages",
			Help:      "Node messages rebuilt per evaluation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (m *Metrics) observe(r Result, rebuilt int) {
	if m == nil {
		return
	}
	m.evaluations.Inc()
	m.rebuilt.Add(float64(rebuilt))
	m.perEval.Observe(float64(rebuilt))
	if !r.OK() {
		m.failures.WithLabelValues(r.Failure.String()).Inc()
	}
}
