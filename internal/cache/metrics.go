package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for all cache tiers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reads           *prometheus.CounterVec
	writes          *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	entries         *prometheus.GaugeVec
}

// NewMetrics creates cache metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeboard",
			Subsystem: "cache",
			Name:      "reads_total",
			Help:      "Total number of cache reads by tier and freshness state",
		}, []string{"tier", "state"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeboard",
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Total number of cache writes by tier",
		}, []string{"tier"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeboard",
			Subsystem: "cache",
			Name:      "persist_failures_total",
			Help:      "Total number of failed snapshot writes by tier",
		}, []string{"tier"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pipeboard",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of entries by tier",
		}, []string{"tier"}),
	}

	for _, c := range []prometheus.Collector{m.reads, m.writes, m.persistFailures, m.entries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) recordRead(tier Tier, state State) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(tier.String(), state.String()).Inc()
}

func (m *Metrics) recordWrite(tier Tier) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(tier.String()).Inc()
}

func (m *Metrics) recordPersistFailure(tier Tier) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(tier.String()).Inc()
}

func (m *Metrics) updateSize(tier Tier, size int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(tier.String()).Set(float64(size))
}
