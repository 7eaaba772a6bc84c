package document

import "github.com/prometheus/client_golang/prometheus"

var (
	documentCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "document",
		Name:      "count",
		Help:      "Number of documents held in memory.",
	})

	documentPeers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "document",
		Name:      "peers",
		Help:      "Attached peers per document.",
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(documentCount, documentPeers)
}
