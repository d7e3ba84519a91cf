package promstats

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/loom"
	"github.com/hupe1980/loom/scheduler"
)

// StatsSource is implemented by *loom.DB.
type StatsSource interface {
	Stats(ctx context.Context) (loom.Stats, error)
}

// Collector turns loom.Stats into Prometheus metrics at scrape time.
type Collector struct {
	src     StatsSource
	timeout time.Duration
	logger  *slog.Logger

	up          *prometheus.Desc
	nodes       *prometheus.Desc
	edges       *prometheus.Desc
	embeddings  *prometheus.Desc
	diskBytes   *prometheus.Desc
	partitions  *prometheus.Desc
	queued      *prometheus.Desc
	running     *prometheus.Desc
	tasks       *prometheus.Desc
	activity    *prometheus.Desc
	eventQueue  *prometheus.Desc
	events      *prometheus.Desc
	vectors     *prometheus.Desc
	tombstones  *prometheus.Desc
	vectorLevel *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading from src. Register it with a
// prometheus.Registerer.
func NewCollector(src StatsSource, optFns ...func(o *Options)) *Collector {
	opts := applyOptions(optFns)
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(opts.Namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:     src,
		timeout: opts.Timeout,
		logger:  opts.Logger,

		up:          desc("stats_up", "Whether the last stats read succeeded."),
		nodes:       desc("nodes", "Stored nodes by kind.", "kind"),
		edges:       desc("edges", "Stored edges."),
		embeddings:  desc("embeddings", "Stored embeddings."),
		diskBytes:   desc("size_on_disk_bytes", "Size of all partitions on disk."),
		partitions:  desc("partitions", "Open partitions."),
		queued:      desc("tasks_queued", "Waiting background tasks by priority.", "priority"),
		running:     desc("tasks_running", "Background tasks currently executing."),
		tasks:       desc("tasks_total", "Finished background task executions by outcome.", "outcome"),
		activity:    desc("activity_level", "User activity level: 0 high, 1 low, 2 sleep."),
		eventQueue:  desc("events_queued", "Events waiting for the weaver."),
		events:      desc("events_total", "Weaver events by outcome.", "outcome"),
		vectors:     desc("vector_index_vectors", "Live vectors in the vector index."),
		tombstones:  desc("vector_index_tombstones", "Deleted vectors still kept for routing."),
		vectorLevel: desc("vector_index_max_level", "Highest layer of the vector index."),
	}
}

func (c *Collector) descs() []*prometheus.Desc {
	return []*prometheus.Desc{
		c.up, c.nodes, c.edges, c.embeddings, c.diskBytes, c.partitions,
		c.queued, c.running, c.tasks, c.activity, c.eventQueue, c.events,
		c.vectors, c.tombstones, c.vectorLevel,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs() {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	st, err := c.src.Stats(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "collect loom stats", "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	for kind, n := range st.Nodes {
		gauge(c.nodes, float64(n), string(kind))
	}
	gauge(c.edges, float64(st.Edges))
	gauge(c.embeddings, float64(st.Embeddings))
	gauge(c.diskBytes, float64(st.SizeOnDisk))
	gauge(c.partitions, float64(st.Partitions))

	for _, p := range scheduler.Priorities {
		gauge(c.queued, float64(st.Queued[p]), p.String())
	}
	gauge(c.running, float64(st.RunningTasks))
	counter(c.tasks, st.CompletedTasks, "completed")
	counter(c.tasks, st.FailedTasks, "failed")
	counter(c.tasks, st.RetriedTasks, "retried")
	counter(c.tasks, st.DroppedTasks, "dropped")
	gauge(c.activity, float64(st.Activity))

	gauge(c.eventQueue, float64(st.EventQueue))
	counter(c.events, st.EventsProcessed, "processed")
	counter(c.events, st.EventsDropped, "dropped")

	gauge(c.vectors, float64(st.VectorIndex.Live))
	gauge(c.tombstones, float64(st.VectorIndex.Tombstones))
	gauge(c.vectorLevel, float64(st.VectorIndex.MaxLevel))
}
