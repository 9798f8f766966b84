package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session Metrics
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statsaver_sessions_started_total",
		Help: "The total number of session start events recorded",
	})
	SessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsaver_sessions_ended_total",
		Help: "The total number of session end events by outcome",
	}, []string{"outcome"})
	CollectionSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statsaver_collection_skips_total",
		Help: "The total number of unsupported statistic/sub-type pairs skipped",
	})

	// Persistence Metrics
	SavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsaver_saves_total",
		Help: "The total number of record writes by result",
	}, []string{"result"})
	MergeConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statsaver_merge_conflicts_total",
		Help: "The total number of optimistic merge conflicts",
	})
	SaveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statsaver_save_latency_seconds",
		Help:    "Latency of record writes including the fetch for merges",
		Buckets: prometheus.DefBuckets,
	})
	PendingSaves = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statsaver_pending_saves",
		Help: "Writes queued on the background worker pool",
	})

	// Schema Metrics
	SchemaDDLTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsaver_schema_ddl_total",
		Help: "The total number of DDL statements issued by schema reconciliation",
	}, []string{"result"})

	// Pool Metrics
	PoolReinitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsaver_pool_reinitializations_total",
		Help: "The total number of connection pool reinitializations by result",
	}, []string{"result"})
)

const (
	OutcomeLabelSkipped   = "skipped"
	OutcomeLabelSaved     = "saved"
	OutcomeLabelScheduled = "scheduled"
	OutcomeLabelFailed    = "failed"

	ResultOK    = "ok"
	ResultError = "error"
)

// PoolStats is the subset of pgxpool.Stat exported as gauges
type PoolStats struct {
	Acquired int32
	Idle     int32
	Total    int32
	Max      int32
}

// RegisterPoolGauges exports pool statistics read through fn on every scrape
func RegisterPoolGauges(reg prometheus.Registerer, fn func() PoolStats) error {
	gauges := []struct {
		name, help string
		pick       func(PoolStats) int32
	}{
		{"statsaver_pool_acquired_conns", "Connections currently checked out of the pool", func(s PoolStats) int32 { return s.Acquired }},
		{"statsaver_pool_idle_conns", "Idle connections held by the pool", func(s PoolStats) int32 { return s.Idle }},
		{"statsaver_pool_total_conns", "Total connections held by the pool", func(s PoolStats) int32 { return s.Total }},
		{"statsaver_pool_max_conns", "Configured maximum pool size", func(s PoolStats) int32 { return s.Max }},
	}
	for _, g := range gauges {
		pick := g.pick
		collector := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: g.name, Help: g.help}, func() float64 {
			return float64(pick(fn()))
		})
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
