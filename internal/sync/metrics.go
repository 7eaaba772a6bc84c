package syncstate

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "messages_total",
		Help:      "Decoded messages handled by the hub, by kind.",
	}, []string{"kind"})

	relayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "relayed_total",
		Help:      "Frames forwarded verbatim to sibling peers.",
	})

	decodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "decode_errors_total",
		Help:      "Frames dropped because they could not be decoded.",
	}, []string{"kind"})

	loopQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sync",
		Name:      "loop_queue_depth",
		Help:      "Tasks waiting for the event loop.",
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sync",
		Name:      "sessions",
		Help:      "Sessions currently attached to documents.",
	})
)

func init() {
	prometheus.MustRegister(messagesTotal, relayedTotal, decodeErrors, loopQueueDepth, activeSessions)
}

var tracer = otel.Tracer("github.com/example/shared-note/sync")
