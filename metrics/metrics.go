package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every collector of this process. A short lived command
// has no scrape endpoint, so the registry is written out with WriteFile.
var Registry *prometheus.Registry

var (
	kvOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "result"},
	)

	kvOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kv_operation_duration_seconds",
			Help:    "Duration of store operations including environment open and close",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 0.2, 0.5, 1, 1.5, 2},
		},
		[]string{"operation"},
	)

	kvCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kv_commit_duration_seconds",
			Help:    "Duration of KV commit operations",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 0.2, 0.5, 1, 1.5, 2},
		},
		[]string{"operation"},
	)

	kvCommitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_commit_failures_total",
			Help: "Total number of failed KV commit operations",
		},
		[]string{"operation"},
	)

	kvScannedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kv_scanned_records_total",
			Help: "Total number of records yielded by full scans",
		},
	)

	kvPoolEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kv_pool_events_total",
			Help: "Environment pool hits, misses and evictions",
		},
		[]string{"event"},
	)
)

func init() {
	Registry = prometheus.NewRegistry()

	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	Registry.MustRegister(collectors.NewGoCollector())

	Registry.MustRegister(kvOperationsTotal)
	Registry.MustRegister(kvOperationDuration)
	Registry.MustRegister(kvCommitDuration)
	Registry.MustRegister(kvCommitFailures)
	Registry.MustRegister(kvScannedRecords)
	Registry.MustRegister(kvPoolEvents)
}

// ObserveOperation records one finished accessor call. result is "ok" or
// the failure kind.
func ObserveOperation(operation, result string, d time.Duration) {
	kvOperationsTotal.WithLabelValues(operation, result).Inc()
	kvOperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func ObserveCommit(operation string, d time.Duration, err error) {
	kvCommitDuration.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		kvCommitFailures.WithLabelValues(operation).Inc()
	}
}

func ObserveScanned(n int) {
	kvScannedRecords.Add(float64(n))
}

func ObservePool(event string) {
	kvPoolEvents.WithLabelValues(event).Inc()
}

// WriteFile writes the registry in the text exposition format, atomically,
// for the node exporter textfile collector.
func WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
