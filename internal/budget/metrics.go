package budget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for a Budget.
type Metrics struct {
	CommittedBytes prometheus.Gauge
	CeilingBytes   prometheus.Gauge
	Outstanding    prometheus.Gauge
	Reservations   prometheus.Counter
	Releases       prometheus.Counter
	Rejections     prometheus.Counter
	DoubleReleases prometheus.Counter
}

// NewMetrics creates collectors registered with reg. A nil reg creates
// unregistered collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommittedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gardener",
			Subsystem: "budget",
			Name:      "committed_bytes",
			Help:      "Memory currently committed to loaded adapters and indexes",
		}),
		CeilingBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gardener",
			Subsystem: "budget",
			Name:      "ceiling_bytes",
			Help:      "Configured memory ceiling",
		}),
		Outstanding: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gardener",
			Subsystem: "budget",
			Name:      "outstanding_reservations",
			Help:      "Number of reservations not yet released",
		}),
		Reservations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gardener",
			Subsystem: "budget",
			Name:      "reservations_total",
			Help:      "Total number of successful reservations",
		}),
		Releases: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gardener",
			Subsystem: "budget",
			Name:      "releases_total",
			Help:      "Total number of successful releases",
		}),
		Rejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gardener",
			Subsystem: "budget",
			Name:      "rejections_total",
			Help:      "Total number of reservations rejected for exceeding the ceiling",
		}),
		DoubleReleases: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gardener",
			Subsystem: "budget",
			Name:      "double_releases_total",
			Help:      "Total number of releases of an already released reservation",
		}),
	}
}
