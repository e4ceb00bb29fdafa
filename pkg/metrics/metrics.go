// Package metrics holds the Prometheus collectors of the settlement service.
package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_rpc_requests_total",
			Help: "RPC operations by chain, operation and result",
		},
		[]string{"chain", "operation", "result"},
	)

	RPCRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_rpc_endpoint_rotations_total",
			Help: "Endpoint rotations caused by failed RPC attempts",
		},
		[]string{"chain", "operation"},
	)

	DepositsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_deposits_total",
			Help: "Verified deposits by recording outcome",
		},
		[]string{"outcome"},
	)

	LedgerAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_ledger_appends_total",
			Help: "Balance ledger appends by operation",
		},
		[]string{"operation"},
	)

	SwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_swaps_total",
			Help: "Swap executions by result",
		},
		[]string{"result"},
	)

	SettlementStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_steps_total",
			Help: "Settlement pipeline steps by name and state",
		},
		[]string{"step", "state"},
	)

	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_payouts_total",
			Help: "Payout status changes",
		},
		[]string{"status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)

	DatabaseConnectionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_database_connections",
			Help: "Database pool connections by state",
		},
		[]string{"state"},
	)

	WorkerRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_worker_run_duration_seconds",
			Help:    "Background worker run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker"},
	)
)

func init() {
	prometheus.MustRegister(
		RPCRequestsTotal,
		RPCRotationsTotal,
		DepositsTotal,
		LedgerAppendsTotal,
		SwapsTotal,
		SettlementStepsTotal,
		PayoutsTotal,
		HTTPRequestDuration,
		DatabaseConnectionsGauge,
		WorkerRunDuration,
	)
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveWorker records how long a worker run took
func ObserveWorker(worker string, start time.Time) {
	WorkerRunDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
}

// RecordDBStats publishes the connection pool state
func RecordDBStats(stats sql.DBStats) {
	DatabaseConnectionsGauge.WithLabelValues("open").Set(float64(stats.OpenConnections))
	DatabaseConnectionsGauge.WithLabelValues("idle").Set(float64(stats.Idle))
	DatabaseConnectionsGauge.WithLabelValues("in_use").Set(float64(stats.InUse))
}
