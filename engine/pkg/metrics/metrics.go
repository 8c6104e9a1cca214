package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvest_build_info",
			Help: "Build information of the harvest engine",
		},
		[]string{"version", "commit", "date"},
	)

	LedgerOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_ledger_operations_total",
			Help: "Total number of applied ledger operations",
		},
		[]string{"op"},
	)

	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_stage_runs_total",
			Help: "Total number of pipeline stage invocations",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_stage_duration_seconds",
			Help:    "Duration of pipeline stage invocations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"stage"},
	)

	DistributedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_distributed_base_units_total",
			Help: "Total reward base units assigned by distribution runs",
		},
	)

	TransfersObserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_transfers_observed_total",
			Help: "Total transfer events folded into transaction-point windows",
		},
	)

	RegenVotesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_regen_votes_total",
			Help: "Total regeneration votes recorded",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
