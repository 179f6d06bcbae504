package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session",
		Name:      "documents",
		Help:      "Live document sessions.",
	})

	peersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "session",
		Name:      "peers",
		Help:      "Awareness roster size per document.",
	}, []string{"document"})

	opsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "operations_total",
		Help:      "Operations applied per document, by kind.",
	}, []string{"document", "kind"})

	broadcastCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session",
		Name:      "fanout_frames_total",
		Help:      "Frames fanned out to peers per document, by event type.",
	}, []string{"document", "type"})
)

func init() {
	prometheus.MustRegister(sessionsGauge, peersGauge, opsCounter, broadcastCounter)
}
