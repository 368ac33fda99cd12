package searchcache

import (
	"cmp"
	"context"
	"errors"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/searchcache/internal/resource"
)

// EvictionReason says why an entry left the cache.
type EvictionReason string

const (
	// EvictionSize: the cache held too many entries or too many bytes.
	EvictionSize EvictionReason = "size"
	// EvictionMemory: free system memory was below the minimum.
	EvictionMemory EvictionReason = "memory"
	// EvictionAge: the entry was unused for longer than MaxAge.
	EvictionAge EvictionReason = "age"
	// EvictionTimeout: an unfinished search exceeded MaxSearchTime and was aborted.
	EvictionTimeout EvictionReason = "timeout"
	// EvictionIndex: the entry's index was closed or reopened.
	EvictionIndex EvictionReason = "index"
	// EvictionClear: the cache was cleared.
	EvictionClear EvictionReason = "clear"
)

// SweepStats summarizes one load-management pass.
type SweepStats struct {
	Examined  int
	Evicted   int
	Aborted   int
	Remaining int
	// SizeBytes is the estimated size of the remaining entries.
	SizeBytes int64
	Duration  time.Duration
}

// LoadManager keeps the cache within its limits.
//
// Each sweep ranks all entries by worthiness and walks them from least to most
// worthy. Unfinished searches that made the user wait longer than MaxSearchTime
// are aborted. Finished entries are evicted while the cache is too big, memory
// is short or the entry is too old; the first finished entry that survives
// ends size and age checking for the rest of the pass.
type LoadManager struct {
	cache    *Cache
	interval time.Duration

	closeCh chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

func newLoadManager(c *Cache, interval time.Duration) *LoadManager {
	return &LoadManager{
		cache:    c,
		interval: interval,
		closeCh:  make(chan struct{}),
	}
}

// Start launches the background sweep loop. Subsequent calls are no-ops.
func (lm *LoadManager) Start() {
	if lm.closed.Load() || !lm.started.CompareAndSwap(false, true) {
		return
	}
	lm.wg.Add(1)
	go lm.run()
}

// Close stops the background loop and waits for a running sweep to finish.
func (lm *LoadManager) Close() {
	if !lm.closed.CompareAndSwap(false, true) {
		return
	}
	close(lm.closeCh)
	lm.wg.Wait()
}

func (lm *LoadManager) run() {
	defer lm.wg.Done()

	ticker := time.NewTicker(lm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-lm.closeCh:
			return
		case <-ticker.C:
			lm.sweepSafely()
		}
	}
}

// sweepSafely runs one sweep; a failure is logged and the loop carries on.
func (lm *LoadManager) sweepSafely() {
	logger := lm.cache.logger

	defer func() {
		if r := recover(); r != nil {
			logger.Error("load management sweep panicked",
				"panic", r,
				"stack", truncate(string(debug.Stack()), maxStackLen),
			)
		}
	}()

	if _, err := lm.Sweep(lm.cache.ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("load management sweep failed", "error", err)
	}
}

type rankedEntry struct {
	e          *Entry
	worthiness int64
	lastAccess int64
	size       int64
}

// Sweep runs one pass synchronously. Sweeps are serialized; Sweep waits for a
// running one unless ctx ends first.
func (lm *LoadManager) Sweep(ctx context.Context) (SweepStats, error) {
	c := lm.cache

	if err := c.rc.AcquireSweep(ctx); err != nil {
		return SweepStats{}, err
	}
	defer c.rc.ReleaseSweep()

	start := time.Now()
	now := c.clock.Now()

	entries := c.snapshot()
	ranked := make([]rankedEntry, len(entries))

	var sizeBytes int64
	for i, e := range entries {
		// Values are captured once so the ordering stays consistent while
		// entries keep changing underneath.
		ranked[i] = rankedEntry{
			e:          e,
			worthiness: e.UpdateWorthiness(now),
			lastAccess: e.lastAccessedAt.Load(),
			size:       e.EstimatedSize(),
		}
		sizeBytes += ranked[i].size
	}

	slices.SortFunc(ranked, compareRanked)

	cfg := c.cfg
	count := len(ranked)
	stats := SweepStats{Examined: count}
	lookAtSize := true
	mem := memoryState{rc: c.rc}

	for i := len(ranked) - 1; i >= 0; i-- {
		r := ranked[i]

		if !r.e.FullyDone() {
			if cfg.MaxSearchTime > 0 && r.e.TimeUserWaited(now) > cfg.MaxSearchTime.Std() {
				if lm.evict(r, EvictionTimeout) {
					stats.Aborted++
					count--
					sizeBytes -= r.size
				}
			}
			continue
		}

		if !lookAtSize {
			continue
		}

		reason, ok := lm.evictionReason(r.e, now, count, sizeBytes, &mem)
		if !ok {
			lookAtSize = false
			continue
		}
		if lm.evict(r, reason) {
			stats.Evicted++
			count--
			sizeBytes -= r.size
		}
	}

	stats.Remaining = count
	stats.SizeBytes = sizeBytes
	stats.Duration = time.Since(start)

	c.metrics.RecordSweep(stats)
	c.logger.LogSweep(ctx, stats)

	return stats, nil
}

// evictionReason decides whether a finished entry must go.
// Age is only considered when the cache is not already too big.
func (lm *LoadManager) evictionReason(e *Entry, now time.Time, count int, sizeBytes int64, mem *memoryState) (EvictionReason, bool) {
	c := lm.cache
	cfg := c.cfg

	tooMany := cfg.MaxEntries >= 0 && count > cfg.MaxEntries
	tooLarge := cfg.MaxSize >= 0 && sizeBytes > int64(cfg.MaxSize)
	if tooMany || tooLarge {
		return EvictionSize, true
	}

	if mem.short() {
		if c.rc.AllowWarning("low-memory") {
			c.logger.Warn("free memory below minimum, evicting finished searches",
				"free_bytes", mem.free,
				"min_free_bytes", c.rc.MinFreeMemory(),
			)
		}
		return EvictionMemory, true
	}

	if cfg.MaxAge >= 0 && e.TimeUnused(now) > cfg.MaxAge.Std() {
		return EvictionAge, true
	}
	return "", false
}

// memoryState probes free memory at most once per sweep. Evicted results are
// only reclaimed by a later collection.
type memoryState struct {
	rc     *resource.Controller
	probed bool
	low    bool
	free   int64
}

func (m *memoryState) short() bool {
	if !m.probed {
		m.probed = true
		if target := m.rc.MinFreeMemory(); target > 0 {
			m.free = m.rc.FreeMemory()
			m.low = m.free < target
		}
	}
	return m.low
}

// evict removes the entry if it is still registered and cancels it if it is
// still running.
func (lm *LoadManager) evict(r rankedEntry, reason EvictionReason) bool {
	c := lm.cache
	if !c.removeEntry(r.e) {
		return false
	}
	if !r.e.FullyDone() {
		r.e.CancelSearch()
	}

	c.metrics.RecordEviction(reason)
	c.logger.LogEviction(c.ctx, r.e.id, describe(r.e.query), reason, r.worthiness)
	return true
}

// compareRanked orders by descending worthiness, then more recent access,
// then higher id.
func compareRanked(a, b rankedEntry) int {
	if c := cmp.Compare(b.worthiness, a.worthiness); c != 0 {
		return c
	}
	if c := cmp.Compare(b.lastAccess, a.lastAccess); c != 0 {
		return c
	}
	return cmp.Compare(b.e.id, a.e.id)
}
