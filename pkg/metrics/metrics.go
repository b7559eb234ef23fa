// Package metrics instruments the Engine and its components with
// Prometheus gauges, counters, and histograms, grounded in the
// vocabulary of prometheus/client_golang used the same way across the
// examples pack: package-level metric vars, registered once in init,
// exposed via an HTTP handler an operator mounts wherever they like.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store-level counters.
	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concourse_writes_total",
			Help: "Total number of Writes accepted, by action.",
		},
		[]string{"action"},
	)

	ReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concourse_reads_total",
			Help: "Total number of read operations served, by kind.",
		},
		[]string{"kind"},
	)

	// AtomicOperation / Transaction metrics.
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concourse_commits_total",
			Help: "Total AtomicOperation/Transaction commit attempts, by outcome.",
		},
		[]string{"outcome"}, // success | retry | fatal
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concourse_commit_duration_seconds",
			Help:    "Time spent in AtomicOperation.Commit, lock acquisition through release.",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concourse_retries_total",
			Help: "Total number of executeWithRetry retry attempts.",
		},
	)

	ActiveTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concourse_active_transactions",
			Help: "Number of open Transactions across all environments.",
		},
	)

	// Transporter metrics.
	TransportRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concourse_transport_rounds_total",
			Help: "Total Transporter rounds executed.",
		},
	)

	TransportedWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concourse_transported_writes_total",
			Help: "Total Writes moved from Buffer to Database.",
		},
	)

	BufferPages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concourse_buffer_pages",
			Help: "Current number of pages held by a Buffer, by environment.",
		},
		[]string{"environment"},
	)

	// Lock manager metrics.
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concourse_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a lock scope.",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockTableSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concourse_lock_table_size",
			Help: "Number of distinct lock scopes currently tracked.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WritesTotal,
		ReadsTotal,
		CommitsTotal,
		CommitDuration,
		RetriesTotal,
		ActiveTransactions,
		TransportRoundsTotal,
		TransportedWritesTotal,
		BufferPages,
		LockWaitDuration,
		LockTableSize,
	)
}

// Handler exposes the registered metrics for an operator to mount on
// whatever HTTP mux the embedding process already runs.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for recording an operation's duration into a
// prometheus.Observer, mirroring the pack's own Timer helper.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts timing against observer; call ObserveDuration when
// the operation finishes.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: observer}
}

// ObserveDuration records the elapsed time since NewTimer into the
// wrapped observer.
func (t *Timer) ObserveDuration() {
	t.observer.Observe(time.Since(t.start).Seconds())
}
