// Package metrics exposes the engine's Prometheus instrumentation:
// package-level Counter/Gauge/Histogram vars registered in init(), plus
// a reusable Timer helper, covering the WAL, stripe, compaction, and
// query subsystems.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WALAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_wal_appends_total",
			Help: "Total number of WAL records appended",
		},
	)

	WALFlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_wal_flushes_total",
			Help: "Total number of WAL group-commit flushes",
		},
	)

	WALFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "keystone_wal_flush_duration_seconds",
			Help: "Duration of WAL group-commit flushes",
		},
	)

	StripeMemtableRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keystone_stripe_memtable_records",
			Help: "Current memtable record count by stripe",
		},
		[]string{"stripe"},
	)

	StripeSSTCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keystone_stripe_sst_count",
			Help: "Current SST count by stripe",
		},
		[]string{"stripe"},
	)

	FlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_flushes_total",
			Help: "Total number of memtable-to-SST flushes",
		},
	)

	CompactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_compactions_total",
			Help: "Total number of completed compaction jobs",
		},
	)

	CompactionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_compaction_failures_total",
			Help: "Total number of compaction jobs that aborted with an error",
		},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "keystone_compaction_duration_seconds",
			Help: "Duration of a single compaction job",
		},
	)

	TombstonesRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keystone_tombstones_removed_total",
			Help: "Total number of tombstones dropped during compaction",
		},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "keystone_query_duration_seconds",
			Help: "Duration of query/scan operations by kind",
		},
		[]string{"kind"},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keystone_transactions_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(WALAppendsTotal)
	prometheus.MustRegister(WALFlushesTotal)
	prometheus.MustRegister(WALFlushDuration)
	prometheus.MustRegister(StripeMemtableRecords)
	prometheus.MustRegister(StripeSSTCount)
	prometheus.MustRegister(FlushesTotal)
	prometheus.MustRegister(CompactionsTotal)
	prometheus.MustRegister(CompactionFailuresTotal)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(TombstonesRemovedTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(TransactionsTotal)
}

// Handler returns the Prometheus scrape handler, for embedding apps that
// expose their own HTTP server.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an operation and recording it to a
// histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
