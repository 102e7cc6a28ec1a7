package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal tracks wallet scans per chain and outcome
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_scans_total",
			Help: "Total number of per-chain wallet scans",
		},
		[]string{"chain", "outcome"},
	)

	// ScanDuration tracks per-chain scan latency
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweeper_scan_duration_seconds",
			Help:    "Per-chain scan latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	// PriceLookupsTotal tracks oracle source lookups per source and outcome
	PriceLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_price_lookups_total",
			Help: "Total number of price source lookups",
		},
		[]string{"source", "outcome"},
	)

	// PriceCacheHits tracks oracle cache hits and misses
	PriceCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_price_cache_total",
			Help: "Price cache lookups by result",
		},
		[]string{"result"},
	)

	// QuotesTotal tracks quotes per adapter and outcome
	QuotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_quotes_total",
			Help: "Total number of adapter quote requests",
		},
		[]string{"adapter", "outcome"},
	)

	// JobsTotal tracks queue jobs per queue and terminal status
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_jobs_total",
			Help: "Total number of jobs by queue and terminal status",
		},
		[]string{"queue", "status"},
	)

	// JobDuration tracks handler execution latency per queue
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweeper_job_duration_seconds",
			Help:    "Job handler latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// SweepTransitions tracks orchestrator state transitions
	SweepTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweeper_sweep_transitions_total",
			Help: "Sweep state machine transitions",
		},
		[]string{"from", "to"},
	)

	// SweepsInFlight tracks non-terminal sweeps
	SweepsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweeper_sweeps_in_flight",
			Help: "Number of sweeps in a non-terminal state",
		},
	)

	// DBConnectionPoolUsage tracks connection pool utilization percent
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweeper_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
