package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAllowed  = "allowed"
	outcomeRejected = "rejected"
	outcomeExcluded = "excluded"
	outcomeError    = "error"
)

// Metrics tracks limiter decisions.
type Metrics struct {
	decisions *prometheus.CounterVec
	tracked   prometheus.Gauge
}

// NewMetrics registers the limiter collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "budgetbuddy",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by outcome.",
		}, []string{"outcome"}),
		tracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "budgetbuddy",
			Subsystem: "ratelimit",
			Name:      "tracked_identities",
			Help:      "Identities with a live window after the last sweep.",
		}),
	}
}

func (m *Metrics) record(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setTracked(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}
