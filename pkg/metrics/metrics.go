package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOperations counts ORM operations (set, get, delete) by outcome.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "katamari_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "status"},
	)
	// CacheHits counts LRU cache hits and misses on the read path.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "katamari_cache_lookups_total",
			Help: "Total number of LRU cache lookups",
		},
		[]string{"result"},
	)
	// TTLExpirations counts keys removed by the TTL scheduler.
	TTLExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "katamari_ttl_expirations_total",
			Help: "Total number of keys expired by TTL",
		},
	)
	// IndexBatchSize observes the number of queued updates drained per batch.
	IndexBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "katamari_index_batch_size",
			Help:    "Number of index updates applied per batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
	// LiveWorkers is the number of workers currently registered with the MQ server.
	LiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "katamari_mq_live_workers",
			Help: "Number of live registered workers",
		},
	)
	// DispatchedJobs counts jobs sent to workers by kind.
	DispatchedJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "katamari_mq_dispatched_jobs_total",
			Help: "Total number of jobs dispatched to workers",
		},
		[]string{"kind"},
	)
	// WALReplays counts records re-applied from the WAL on open.
	WALReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "katamari_dbm_wal_replayed_records_total",
			Help: "Total number of WAL records replayed during recovery",
		},
	)
)
