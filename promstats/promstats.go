// Package promstats exports loom counters to Prometheus.
//
// Metrics records the latency and outcome of every DB call and is passed to
// loom.Open as the MetricsCollector. Collector reads DB.Stats on each scrape
// and reports record counts, scheduler and weaver queues and the shape of the
// vector index.
//
//	reg := prometheus.NewRegistry()
//	db, _ := loom.Open(dir, loom.WithMetricsCollector(promstats.NewMetrics(reg)))
//	reg.MustRegister(promstats.NewCollector(db))
package promstats

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/loom"
)

// Options configures Metrics and Collector.
type Options struct {
	// Namespace prefixes every metric name.
	Namespace string
	// Timeout bounds one Stats call of a scrape.
	Timeout time.Duration
	// Buckets are the latency histogram buckets in seconds.
	Buckets []float64
	Logger  *slog.Logger
}

// DefaultOptions contains the default options.
var DefaultOptions = Options{
	Namespace: "loom",
	Timeout:   10 * time.Second,
	Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
}

func applyOptions(optFns []func(o *Options)) Options {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return opts
}

const (
	statusOK    = "ok"
	statusError = "error"
)

func status(err error) string {
	if err != nil {
		return statusError
	}
	return statusOK
}

// Metrics is a loom.MetricsCollector backed by Prometheus vectors.
type Metrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	results     prometheus.Histogram
	backupBytes prometheus.Counter
}

var _ loom.MetricsCollector = (*Metrics)(nil)

// NewMetrics creates the operation metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer, optFns ...func(o *Options)) *Metrics {
	opts := applyOptions(optFns)
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "operations_total",
			Help:      "Number of database operations by target and status.",
		}, []string{"operation", "target", "status"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of database operations.",
			Buckets:   opts.Buckets,
		}, []string{"operation", "target"}),
		results: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "query_results",
			Help:      "Number of results returned per query.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		backupBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "backup_bytes_total",
			Help:      "Compressed bytes written by backups.",
		}),
	}
}

func (m *Metrics) observe(op string, target loom.Target, d time.Duration, err error) {
	m.operations.WithLabelValues(op, string(target), status(err)).Inc()
	m.latency.WithLabelValues(op, string(target)).Observe(d.Seconds())
}

func (m *Metrics) RecordInsert(target loom.Target, d time.Duration, err error) {
	m.observe("insert", target, d, err)
}

func (m *Metrics) RecordGet(target loom.Target, d time.Duration, err error) {
	m.observe("get", target, d, err)
}

func (m *Metrics) RecordUpdate(d time.Duration, err error) {
	m.observe("update", loom.TargetNode, d, err)
}

func (m *Metrics) RecordDelete(target loom.Target, d time.Duration, err error) {
	m.observe("delete", target, d, err)
}

func (m *Metrics) RecordQuery(results int, d time.Duration, err error) {
	m.observe("query", "", d, err)
	if err == nil {
		m.results.Observe(float64(results))
	}
}

func (m *Metrics) RecordBackup(bytes int64, d time.Duration, err error) {
	m.observe("backup", "", d, err)
	if err == nil {
		m.backupBytes.Add(float64(bytes))
	}
}
