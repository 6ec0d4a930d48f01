// Package metrics exposes Prometheus collectors for the import pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Import pipeline metrics
var (
	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailvault_messages_processed_total",
			Help: "Total number of messages processed, by outcome",
		},
		[]string{"outcome"}, // inserted, skipped, error
	)

	ImportRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailvault_import_runs_total",
			Help: "Total number of import runs, by final status",
		},
		[]string{"status"}, // success, failure
	)

	ImportRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailvault_import_run_duration_seconds",
			Help:    "Duration of complete import runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
		[]string{"source_type"},
	)

	FoldersCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailvault_folders_created_total",
			Help: "Total number of folder rows created or refreshed during imports",
		},
	)
)

// Database pool metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailvault_db_pool_total_conns",
			Help: "Total number of connections in the pool",
		},
		[]string{"pool"}, // read, write
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailvault_db_pool_idle_conns",
			Help: "Number of idle connections in the pool",
		},
		[]string{"pool"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailvault_db_pool_in_use_conns",
			Help: "Number of connections currently in use",
		},
		[]string{"pool"},
	)
)

// Object storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailvault_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailvault_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Worker metrics
var (
	JobsClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailvault_jobs_claimed_total",
			Help: "Total number of jobs claimed by the worker loop",
		},
	)
)
