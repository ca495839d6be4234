package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync engine counters and histograms. Per-script series are labelled by
// the watched script id; node-facing series by RPC method.

var (
	// Reconciler
	ReconcilerPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "reconciler",
		Name:      "polls_total",
		Help:      "Total per-script poll cycles started",
	}, []string{"script_id"})

	ReconcilerPagesMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "reconciler",
		Name:      "pages_merged_total",
		Help:      "Total indexer pages merged into the cache",
	}, []string{"script_id"})

	ReconcilerEventsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "reconciler",
		Name:      "events_merged_total",
		Help:      "Total cell events merged, by kind",
	}, []string{"script_id", "kind"})

	ReconcilerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "reconciler",
		Name:      "errors_total",
		Help:      "Total poll cycle failures, by error kind",
	}, []string{"script_id", "kind"})

	ReconcilerPollLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cellsync",
		Subsystem: "reconciler",
		Name:      "poll_duration_seconds",
		Help:      "Duration of one poll cycle",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"script_id"})

	ReconcilerCursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "reconciler",
		Name:      "cursor_block_number",
		Help:      "Last indexed block number per script",
	}, []string{"script_id"})

	// Reorgs
	ReorgDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "reorg",
		Name:      "detected_total",
		Help:      "Total block hash mismatches detected",
	}, []string{"script_id"})

	ReorgRollbackDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cellsync",
		Subsystem: "reorg",
		Name:      "rollback_depth_blocks",
		Help:      "Blocks discarded per rollback",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	}, []string{"script_id"})

	ReorgTooDeepTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "reorg",
		Name:      "too_deep_total",
		Help:      "Total reorgs that exceeded the configured maximum depth",
	}, []string{"script_id"})

	// Amendments
	AmendmentsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "amendment",
		Name:      "recorded_total",
		Help:      "Total amendment records written",
	})

	// Node RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total node RPC calls, by method and outcome",
	}, []string{"method", "status"})

	RPCCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cellsync",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "Node RPC call duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total RPC calls delayed by the rate limiter",
	}, []string{"endpoint"})

	RPCBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "rpc",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"endpoint"})

	RPCTxCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "rpc",
		Name:      "tx_cache_hits_total",
		Help:      "Total get_transaction lookups served from the local cache",
	})

	// Sync state
	SyncNodeTip = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "sync",
		Name:      "node_tip_block_number",
		Help:      "Latest observed node tip",
	})

	SyncIndexerTip = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "sync",
		Name:      "indexer_tip_block_number",
		Help:      "Latest observed indexer tip",
	})

	SyncCacheTip = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "sync",
		Name:      "cache_tip_block_number",
		Help:      "Minimum cursor across enabled scripts",
	})

	SyncSynced = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "sync",
		Name:      "synced",
		Help:      "1 when the cache has caught up with the indexer",
	})

	SyncStatesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "sync",
		Name:      "states_published_total",
		Help:      "Total sync state changes published to subscribers",
	})

	SyncStalledScripts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "sync",
		Name:      "stalled_scripts",
		Help:      "Number of scripts currently stalled",
	})

	// Engine
	EngineTipPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "engine",
		Name:      "tip_polls_total",
		Help:      "Total indexer tip polls, by outcome",
	}, []string{"status"})

	EngineInflightSyncs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "engine",
		Name:      "inflight_syncs",
		Help:      "Per-script poll cycles currently running",
	})

	EngineNodeHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "engine",
		Name:      "node_healthy",
		Help:      "1 while the node answers tip polls",
	})

	EngineIndexerLag = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "engine",
		Name:      "indexer_lag_blocks",
		Help:      "Node tip minus indexer tip at the last poll",
	})

	// DB connection pool
	DBPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Number of open DB connections",
	}, []string{"pool"})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "db_pool",
		Name:      "in_use",
		Help:      "Number of DB connections in use",
	}, []string{"pool"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cellsync",
		Subsystem: "db_pool",
		Name:      "wait_count",
		Help:      "Total number of connections waited for",
	}, []string{"pool"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})

	// HTTP API
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total API requests, by route and status code",
	}, []string{"route", "code"})

	APIRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cellsync",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the API rate limiter, by rule",
	}, []string{"rule"})
)
