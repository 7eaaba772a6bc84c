package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	appendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "journal",
		Name:      "append_seconds",
		Help:      "Latency for appending updates to the journal.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	replayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "journal",
		Name:      "replay_seconds",
		Help:      "Latency for replaying journal entries per document.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	backlog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "journal",
		Name:      "backlog_entries",
		Help:      "Journal entries beyond the last snapshot per document.",
	}, []string{"document"})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "journal",
		Name:      "retries_total",
		Help:      "Transient Postgres failures retried.",
	})

	recorderQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "journal",
		Name:      "recorder_queue_depth",
		Help:      "Accepted frames waiting to be journaled.",
	})

	recorderDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "journal",
		Name:      "recorder_dropped_total",
		Help:      "Frames not journaled because the queue was full or the write failed.",
	})

	tracer = otel.Tracer("github.com/example/shared-note/storage")
)

func init() {
	prometheus.MustRegister(appendLatency, replayLatency, backlog, retriesTotal, recorderQueue, recorderDropped)
}
