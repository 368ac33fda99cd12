package searchcache

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// See the metrics/prometheus package for a Prometheus implementation.
type MetricsCollector interface {
	// RecordLookup is called for every Get that was not rejected.
	RecordLookup(hit bool)

	// RecordRejection is called when admission control refuses a new search.
	RecordRejection()

	// RecordEviction is called for every entry removed by the load manager,
	// index invalidation or Clear.
	RecordEviction(reason EvictionReason)

	// RecordTaskDone is called when a task finishes. waited is the time the
	// user waited for it; err is nil on success and ErrCancelled if cancelled.
	RecordTaskDone(waited time.Duration, err error)

	// RecordSweep is called after each load-management sweep.
	RecordSweep(stats SweepStats)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordLookup(bool)                  {}
func (NoopMetricsCollector) RecordRejection()                   {}
func (NoopMetricsCollector) RecordEviction(EvictionReason)      {}
func (NoopMetricsCollector) RecordTaskDone(time.Duration, error) {}
func (NoopMetricsCollector) RecordSweep(SweepStats)             {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	Hits            atomic.Int64
	Misses          atomic.Int64
	Rejections      atomic.Int64
	Evictions       atomic.Int64
	Aborts          atomic.Int64
	TasksFinished   atomic.Int64
	TasksFailed     atomic.Int64
	TasksCancelled  atomic.Int64
	TaskTotalNanos  atomic.Int64
	Sweeps          atomic.Int64
	SweepTotalNanos atomic.Int64
}

// RecordLookup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLookup(hit bool) {
	if hit {
		b.Hits.Add(1)
	} else {
		b.Misses.Add(1)
	}
}

// RecordRejection implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRejection() {
	b.Rejections.Add(1)
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction(reason EvictionReason) {
	if reason == EvictionTimeout {
		b.Aborts.Add(1)
		return
	}
	b.Evictions.Add(1)
}

// RecordTaskDone implements MetricsCollector.
func (b *BasicMetricsCollector) RecordTaskDone(waited time.Duration, err error) {
	b.TaskTotalNanos.Add(waited.Nanoseconds())
	switch Classify(err) {
	case ClassCancelled:
		b.TasksCancelled.Add(1)
	case ClassFailed:
		b.TasksFailed.Add(1)
	default:
		if err != nil {
			b.TasksFailed.Add(1)
			return
		}
		b.TasksFinished.Add(1)
	}
}

// RecordSweep implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSweep(stats SweepStats) {
	b.Sweeps.Add(1)
	b.SweepTotalNanos.Add(stats.Duration.Nanoseconds())
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		Hits:           b.Hits.Load(),
		Misses:         b.Misses.Load(),
		Rejections:     b.Rejections.Load(),
		Evictions:      b.Evictions.Load(),
		Aborts:         b.Aborts.Load(),
		TasksFinished:  b.TasksFinished.Load(),
		TasksFailed:    b.TasksFailed.Load(),
		TasksCancelled: b.TasksCancelled.Load(),
		TaskAvgNanos:   avg(b.TaskTotalNanos.Load(), b.TasksFinished.Load()+b.TasksFailed.Load()+b.TasksCancelled.Load()),
		Sweeps:         b.Sweeps.Load(),
		SweepAvgNanos:  avg(b.SweepTotalNanos.Load(), b.Sweeps.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	Hits           int64
	Misses         int64
	Rejections     int64
	Evictions      int64
	Aborts         int64
	TasksFinished  int64
	TasksFailed    int64
	TasksCancelled int64
	TaskAvgNanos   int64
	Sweeps         int64
	SweepAvgNanos  int64
}

// HitRatio returns hits / (hits + misses), or 0 without lookups.
func (s BasicMetricsStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
