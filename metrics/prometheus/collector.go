// Package prometheus exports search cache metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	mc, _ := promcollector.New(reg)
//	c, _ := searchcache.New(searchcache.WithMetricsCollector(mc))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/searchcache"
)

const namespace = "searchcache"

// Collector implements searchcache.MetricsCollector on Prometheus metrics.
type Collector struct {
	lookups    *prometheus.CounterVec
	rejections prometheus.Counter
	evictions  *prometheus.CounterVec
	tasks      *prometheus.CounterVec
	taskWait   prometheus.Histogram
	sweeps     prometheus.Counter
	sweepTime  prometheus.Histogram
	entries    prometheus.Gauge
	sizeBytes  prometheus.Gauge
}

// New creates a Collector and registers its metrics with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Cache lookups by result (hit or miss).",
		}, []string{"result"}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Searches rejected because free memory was too low.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Entries removed from the cache by reason.",
		}, []string{"reason"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished search tasks by outcome.",
		}, []string{"status"}),
		taskWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_wait_seconds",
			Help:      "Time users waited for search tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Load-management sweeps run.",
		}),
		sweepTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of load-management sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Entries left after the last sweep.",
		}),
		sizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "size_bytes",
			Help:      "Estimated size of cached results after the last sweep.",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.lookups, c.rejections, c.evictions, c.tasks, c.taskWait,
		c.sweeps, c.sweepTime, c.entries, c.sizeBytes,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// RecordLookup implements searchcache.MetricsCollector.
func (c *Collector) RecordLookup(hit bool) {
	if hit {
		c.lookups.WithLabelValues("hit").Inc()
		return
	}
	c.lookups.WithLabelValues("miss").Inc()
}

// RecordRejection implements searchcache.MetricsCollector.
func (c *Collector) RecordRejection() {
	c.rejections.Inc()
}

// RecordEviction implements searchcache.MetricsCollector.
func (c *Collector) RecordEviction(reason searchcache.EvictionReason) {
	c.evictions.WithLabelValues(string(reason)).Inc()
}

// RecordTaskDone implements searchcache.MetricsCollector.
func (c *Collector) RecordTaskDone(waited time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = searchcache.Classify(err).String()
	}
	c.tasks.WithLabelValues(status).Inc()
	c.taskWait.Observe(waited.Seconds())
}

// RecordSweep implements searchcache.MetricsCollector.
func (c *Collector) RecordSweep(stats searchcache.SweepStats) {
	c.sweeps.Inc()
	c.sweepTime.Observe(stats.Duration.Seconds())
	c.entries.Set(float64(stats.Remaining))
	c.sizeBytes.Set(float64(stats.SizeBytes))
}

var _ searchcache.MetricsCollector = (*Collector)(nil)
