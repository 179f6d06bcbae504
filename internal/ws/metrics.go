package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket connections.",
	})

	framesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_rejected_total",
		Help:      "Inbound frames that failed protocol validation, by error kind.",
	}, []string{"kind"})

	evictionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "evictions_total",
		Help:      "Connections closed for exceeding the idle eviction threshold.",
	})
)

func init() {
	prometheus.MustRegister(connectionsGauge, framesRejected, evictionsCounter)
}

var tracer = otel.Tracer("github.com/M4F-S/codex-live/ws")
