package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	applyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "apply_seconds",
		Help:      "Time spent applying remote updates to a replica.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	itemsIntegrated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "items_integrated_total",
		Help:      "Characters integrated into replicas by origin.",
	}, []string{"origin"})

	pendingItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "pending_items",
		Help:      "Characters held back until their causal dependencies arrive.",
	})
)

func init() {
	prometheus.MustRegister(applyLatency, itemsIntegrated, pendingItems)
}
