package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	applyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "remote_ops_applied_total",
		Help:      "Remote operations merged into replicas, by kind.",
	}, []string{"kind"})

	tombstonesReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "tombstones_reaped_total",
		Help:      "Tombstoned characters removed by compaction.",
	})
)

func init() {
	prometheus.MustRegister(applyCounter, tombstonesReaped)
}
