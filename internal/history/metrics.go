package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/M4F-S/codex-live/internal/types"
)

var (
	appendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "history",
		Name:      "append_seconds",
		Help:      "Latency for appending operations to the durable log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	backlogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "history",
		Name:      "backlog_entries",
		Help:      "Operations beyond the last checkpoint per document.",
	}, []string{"document"})

	historyTracer = otel.Tracer("github.com/M4F-S/codex-live/history")
)

func init() {
	prometheus.MustRegister(appendLatency, backlogGauge)
}

// RecordBacklogMetric publishes the current backlog size for a document.
func (s *Store) RecordBacklogMetric(docID types.DocumentID, backlog int64) {
	backlogGauge.WithLabelValues(string(docID)).Set(float64(backlog))
}
