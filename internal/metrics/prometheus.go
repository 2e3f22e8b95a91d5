package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the current snapshot at scrape time and keeps a duration
// histogram of terminal units. Register it once per registry.
type Collector struct {
	source func() Snapshot

	units       *prometheus.Desc
	retries     *prometheus.Desc
	cache       *prometheus.Desc
	depth       *prometheus.Desc
	successRate *prometheus.Desc
	avgSeconds  *prometheus.Desc
	healthy     *prometheus.Desc
	workerBusy  *prometheus.Desc
	workerUtil  *prometheus.Desc
	workerTasks *prometheus.Desc

	duration *prometheus.HistogramVec
}

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ Observer             = (*Collector)(nil)
)

// NewCollector builds a collector reading snapshots from source.
func NewCollector(namespace string, source func() Snapshot) *Collector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "", n) }
	workerLabels := []string{"worker", "capability"}

	return &Collector{
		source:      source,
		units:       prometheus.NewDesc(name("units_total"), "Units by lifecycle outcome.", []string{"outcome"}, nil),
		retries:     prometheus.NewDesc(name("retries_total"), "Units re-enqueued after a failed attempt.", nil, nil),
		cache:       prometheus.NewDesc(name("cache_lookups_total"), "Result cache lookups.", []string{"result"}, nil),
		depth:       prometheus.NewDesc(name("queue_depth"), "Pending units per priority.", []string{"priority"}, nil),
		successRate: prometheus.NewDesc(name("success_rate"), "Completed over completed plus failed.", nil, nil),
		avgSeconds:  prometheus.NewDesc(name("avg_completion_seconds"), "Rolling average created-to-completed time.", nil, nil),
		healthy:     prometheus.NewDesc(name("healthy"), "1 when every health threshold holds.", nil, nil),
		workerBusy:  prometheus.NewDesc(name("worker_busy"), "1 while the worker holds a unit.", workerLabels, nil),
		workerUtil:  prometheus.NewDesc(name("worker_utilization"), "Fraction of lifetime spent busy.", workerLabels, nil),
		workerTasks: prometheus.NewDesc(name("worker_tasks_completed_total"), "Units completed by the worker.", workerLabels, nil),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Created-to-terminal time of units.",
				Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
	}
}

// Observe records one terminal unit in the duration histogram.
func (c *Collector) Observe(outcome string, d time.Duration) {
	c.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.units, c.retries, c.cache, c.depth, c.successRate,
		c.avgSeconds, c.healthy, c.workerBusy, c.workerUtil, c.workerTasks,
	} {
		ch <- d
	}
	c.duration.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.units, s.Submitted, "submitted")
	counter(c.units, s.Completed, "completed")
	counter(c.units, s.Failed, "failed")
	counter(c.units, s.Cancelled, "cancelled")
	counter(c.retries, s.Retries)
	counter(c.cache, s.CacheHits, "hit")
	counter(c.cache, s.CacheMisses, "miss")

	for priority, n := range s.QueueDepth {
		gauge(c.depth, float64(n), priority)
	}
	gauge(c.successRate, s.SuccessRate)
	gauge(c.avgSeconds, s.AvgCompletionTime.Seconds())
	gauge(c.healthy, boolFloat(s.Healthy))

	for _, w := range s.Workers {
		labels := []string{w.ID, string(w.Capability)}
		gauge(c.workerBusy, boolFloat(w.CurrentUnitID != ""), labels...)
		gauge(c.workerUtil, w.Utilization, labels...)
		counter(c.workerTasks, uint64(w.TasksCompleted), labels...)
	}

	c.duration.Collect(ch)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
