package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	mergeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "merge_results_total",
		Help:      "Merge outcomes per document, operation kind, and accept/reject.",
	}, []string{"document", "kind", "outcome"})

	documentCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "documents",
		Help:      "Number of CRDT documents loaded in memory.",
	})
)

func init() {
	prometheus.MustRegister(mergeResults, documentCount)
}
