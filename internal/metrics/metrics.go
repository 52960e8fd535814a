// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksCreatedTotal counts tasks created, by whether a system task was spawned to match them.
	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "tasks_created_total",
			Help:      "Total tasks created, labeled by match_status assigned at create time.",
		},
		[]string{"match_status"},
	)

	// PickupsTotal counts pickup attempts by outcome (claimed, empty, conflict,
	// cooldown, not_found, forbidden).
	PickupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "pickups_total",
			Help:      "Total pickup attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// TaskTransitionsTotal counts task status transitions.
	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "task_transitions_total",
			Help:      "Total task status transitions, labeled by resulting status.",
		},
		[]string{"status"},
	)

	// EscrowOpsTotal counts ledger-affecting escrow primitives by kind.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "escrow_ops_total",
			Help:      "Total escrow/ledger primitives invoked, labeled by operation.",
		},
		[]string{"op"},
	)

	// InsufficientCreditsTotal counts rejected escrow attempts.
	InsufficientCreditsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pinchwork",
		Name:      "insufficient_credits_total",
		Help:      "Total escrow attempts rejected for insufficient balance.",
	})

	// ReclaimerSweepsTotal counts each background reclaimer sweep run.
	ReclaimerSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "reclaimer_sweeps_total",
			Help:      "Total background reclaimer sweeps run, labeled by sweep name.",
		},
		[]string{"sweep"},
	)

	// ReclaimerRowsTotal counts rows affected by each reclaimer sweep.
	ReclaimerRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "reclaimer_rows_total",
			Help:      "Total rows affected by background reclaimer sweeps, labeled by sweep name.",
		},
		[]string{"sweep"},
	)

	// ReclaimerErrorsTotal counts per-row errors absorbed during a sweep.
	ReclaimerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "reclaimer_errors_total",
			Help:      "Total per-row errors absorbed during reclaimer sweeps, labeled by sweep name.",
		},
		[]string{"sweep"},
	)

	// ReferralBonusesPaidTotal counts referral bonus payouts.
	ReferralBonusesPaidTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pinchwork",
		Name:      "referral_bonuses_paid_total",
		Help:      "Total referral bonuses paid out.",
	})

	// LongPollWaitsTotal counts long-poll waits by how they ended.
	LongPollWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "longpoll_waits_total",
			Help:      "Total long-poll waits, labeled by outcome (signalled, timeout, cancelled).",
		},
		[]string{"outcome"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pinchwork", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pinchwork", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pinchwork", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pinchwork", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		TasksCreatedTotal,
		PickupsTotal,
		TaskTransitionsTotal,
		EscrowOpsTotal,
		InsufficientCreditsTotal,
		ReclaimerSweepsTotal,
		ReclaimerRowsTotal,
		ReclaimerErrorsTotal,
		ReferralBonusesPaidTotal,
		LongPollWaitsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
