package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_apply_seconds",
		Help:      "Latency between publishing a frame and handing it to a remote hub.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	})

	publishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "published_total",
		Help:      "Frames published to Redis.",
	})

	receivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "received_total",
		Help:      "Frames received from other instances.",
	})

	duplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "duplicates_total",
		Help:      "Relayed frames skipped because their message id was already seen.",
	})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "dropped_total",
		Help:      "Frames dropped because the publish queue was full.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "broadcast",
		Name:      "queue_depth",
		Help:      "Frames waiting to be published.",
	})
)

func init() {
	prometheus.MustRegister(deliveryLatency, publishedTotal, receivedTotal, duplicateTotal, droppedTotal, queueDepth)
}
