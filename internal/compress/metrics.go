package compress

import "github.com/prometheus/client_golang/prometheus"

var (
	compressedOps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "compress",
		Name:      "coalesced_operations_total",
		Help:      "Operations absorbed into an earlier buffered operation.",
	})

	prunedOps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "compress",
		Name:      "pruned_operations_total",
		Help:      "Operations dropped because their node was deleted later in the batch.",
	})

	batchesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "compress",
		Name:      "batches_created_total",
		Help:      "Operation batches sealed for transmission.",
	})

	batchVerifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "compress",
		Name:      "batch_verify_failures_total",
		Help:      "Batches whose checksum did not match their contents.",
	})
)

func init() {
	prometheus.MustRegister(compressedOps, prunedOps, batchesCreated, batchVerifyFailures)
}
