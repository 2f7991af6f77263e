package fixture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts fixture lifecycle operations and times the expensive ones.
type Metrics struct {
	// ContainerStarts counts container boots, labelled by source image kind
	// ("base" or "snapshot").
	ContainerStarts *prometheus.CounterVec
	Snapshots       prometheus.Counter
	Resets          prometheus.Counter
	// Failures counts failed lifecycle operations, labelled by operation.
	Failures *prometheus.CounterVec

	SnapshotDuration prometheus.Histogram
	ResetDuration    prometheus.Histogram

	// State exposes the current State as its numeric value.
	State prometheus.Gauge
}

// NewMetrics builds the fixture metrics, registered on reg. A nil registerer
// yields working but unregistered metrics, which is what unit tests and
// library embedders without a metrics endpoint want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ContainerStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbsnap",
			Name:      "container_starts_total",
			Help:      "Database containers started, by source image kind.",
		}, []string{"source"}),
		Snapshots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dbsnap",
			Name:      "snapshots_total",
			Help:      "Snapshot images committed.",
		}),
		Resets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dbsnap",
			Name:      "resets_total",
			Help:      "Database resets to the snapshot image.",
		}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbsnap",
			Name:      "failures_total",
			Help:      "Failed fixture lifecycle operations, by operation.",
		}, []string{"operation"}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dbsnap",
			Name:      "snapshot_duration_seconds",
			Help:      "Time to flush, commit, and reset onto a snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 9),
		}),
		ResetDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dbsnap",
			Name:      "reset_duration_seconds",
			Help:      "Time to replace the container and repoint the pool.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 9),
		}),
		State: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbsnap",
			Name:      "state",
			Help:      "Fixture state (0 uninitialized, 1 fresh, 2 snapshotted, 3 reset).",
		}),
	}
}

func (m *Metrics) setState(s State) {
	m.State.Set(float64(s))
}
