package odb

import "github.com/prometheus/client_golang/prometheus"

var transactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "odb",
	Subsystem: "executor",
	Name:      "transactions",
}, []string{"result"})

var conflictRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "odb",
	Subsystem: "executor",
	Name:      "conflict_retries",
})

var inversionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "odb",
	Subsystem: "executor",
	Name:      "inversions",
})

var cascadeDeletesTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "odb",
	Subsystem: "executor",
	Name:      "cascade_deletes",
})

var keyCollisionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "odb",
	Subsystem: "index",
	Name:      "key_collisions",
})

var transactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "odb",
	Subsystem: "executor",
	Name:      "transaction_duration_seconds",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
})

// Collectors returns the metrics of all databases in the process, for
// registration with a prometheus registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		transactionsTotal,
		conflictRetriesTotal,
		inversionsTotal,
		cascadeDeletesTotal,
		keyCollisionsTotal,
		transactionDuration,
	}
}
