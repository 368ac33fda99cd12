package searchcache

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hupe1980/searchcache/internal/resource"
	"github.com/hupe1980/searchcache/pool"
)

// Cache maps query descriptions to running or finished searches.
//
// At most one entry exists per cache key: the check-then-insert in Get runs
// under the same mutex as every other map mutation, so identical concurrent
// queries share one execution.
type Cache struct {
	id      uuid.UUID
	cfg     Config
	logger  *Logger
	metrics MetricsCollector
	clock   Clock

	executor  pool.Executor
	ownedPool *pool.WorkerPool
	rc        *resource.Controller
	lm        *LoadManager

	mu      sync.Mutex
	entries map[string]*Entry

	nextID atomic.Uint64
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a cache and starts its load manager.
func New(optFns ...Option) (*Cache, error) {
	o := applyOptions(optFns)
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache{
		id:       uuid.New(),
		cfg:      o.cfg,
		metrics:  o.metrics,
		clock:    o.clock,
		executor: o.executor,
		entries:  make(map[string]*Entry),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.logger = o.logger.WithCacheID(c.id.String())

	if c.executor == nil {
		c.ownedPool = pool.NewWorkerPool(o.cfg.Workers)
		c.executor = c.ownedPool
	}

	c.rc = resource.NewController(resource.Config{
		MinFreeMemoryBytes: int64(o.cfg.MinFreeMemory),
		WarnInterval:       o.warnInterval,
	}, o.probe)

	c.lm = newLoadManager(c, o.cfg.SweepInterval.Std())
	if o.loadManager {
		c.lm.Start()
	}

	c.logger.Debug("search cache created",
		"max_entries", c.cfg.MaxEntries,
		"max_size", c.cfg.MaxSize.String(),
		"max_age", c.cfg.MaxAge.String(),
		"disabled", c.Disabled(),
	)

	return c, nil
}

// ID returns the cache instance id.
func (c *Cache) ID() string { return c.id.String() }

// Config returns the effective configuration.
func (c *Cache) Config() Config { return c.cfg }

// LoadManager returns the cache's load manager.
func (c *Cache) LoadManager() *LoadManager { return c.lm }

// Disabled reports whether caching is switched off (some limit is zero).
// Searches still run; their entries are just never registered.
func (c *Cache) Disabled() bool {
	return c.cfg.MaxEntries == 0 || c.cfg.MaxSize == 0 || c.cfg.MaxAge == 0
}

// Get returns the entry for q, creating and starting one on a miss.
//
// On a hit the entry's last access time is bumped; the caller may be joining
// a computation that is still running. On a miss admission control runs
// first and may reject the search with ErrResourceExhausted.
//
// With block set, Get waits until the entry's initial result is ready and
// returns the entry's outcome as err. The entry is returned alongside a
// non-nil err whenever one exists.
func (c *Cache) Get(ctx context.Context, q Query, task Task, block bool) (*Entry, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	key := q.CacheKey()

	if e := c.lookup(key); e != nil {
		return c.joined(ctx, e, block)
	}

	if err := c.admit(ctx); err != nil {
		c.metrics.RecordRejection()
		return nil, err
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e := c.liveLocked(key); e != nil {
		// Another caller created it while we were being admitted.
		c.mu.Unlock()
		return c.joined(ctx, e, block)
	}

	e := newEntry(c.ctx, entryConfig{
		id:           c.nextID.Add(1),
		query:        q,
		task:         task,
		clock:        c.clock,
		pollInterval: c.cfg.PollInterval.Std(),
		executor:     c.executor,
		onDone:       c.entryDone,
	})

	registered := !c.Disabled() && !skipsCache(q)
	if registered {
		c.entries[key] = e
	}
	over := registered && c.overLimitsLocked()
	c.mu.Unlock()

	c.metrics.RecordLookup(false)
	c.logger.WithEntryID(e.id).Debug("search created", "query", describe(q), "cached", registered)

	if over {
		if _, err := c.lm.Sweep(ctx); err != nil {
			c.logger.Debug("shrink sweep skipped", "error", err)
		}
	}

	return e, e.Start(ctx, block)
}

func (c *Cache) lookup(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// liveLocked returns the entry registered under key and bumps its last
// access time. A cancelled entry is unregistered and counts as a miss; its
// ErrCancelled belongs to the callers of that run only.
// Must hold c.mu.
func (c *Cache) liveLocked(key string) *Entry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if e.Cancelled() {
		delete(c.entries, key)
		return nil
	}
	e.touch(c.clock.Now())
	return e
}

func (c *Cache) joined(ctx context.Context, e *Entry, block bool) (*Entry, error) {
	c.metrics.RecordLookup(true)
	if !block {
		return e, nil
	}
	return e, e.Start(ctx, true)
}

// admit checks free memory before a new search starts. If memory is short a
// sweep runs first; if it is still short the search is rejected.
func (c *Cache) admit(ctx context.Context) error {
	if c.rc.HasHeadroom() {
		return nil
	}

	stats, err := c.lm.Sweep(ctx)
	if err != nil {
		return err
	}
	if stats.Evicted+stats.Aborted > 0 {
		// Evicted results only become free memory after a collection.
		runtime.GC()
	}

	if err := c.rc.CheckMemory(); err != nil {
		if c.rc.AllowWarning("admission-rejected") {
			c.logger.LogRejected(ctx, c.rc.FreeMemory(), c.rc.MinFreeMemory())
		}
		return translateError(err)
	}
	return nil
}

// overLimitsLocked reports whether the count or size limit is exceeded.
// Must hold c.mu.
func (c *Cache) overLimitsLocked() bool {
	if c.cfg.MaxEntries >= 0 && len(c.entries) > c.cfg.MaxEntries {
		return true
	}
	if c.cfg.MaxSize < 0 {
		return false
	}
	var size int64
	for _, e := range c.entries {
		size += e.EstimatedSize()
	}
	return size > int64(c.cfg.MaxSize)
}

// Remove detaches the entry for q from the cache and returns it, or nil if
// there is none. The entry is not cancelled.
func (c *Cache) Remove(q Query) *Entry {
	key := q.CacheKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	delete(c.entries, key)
	return e
}

// RemoveSearchesForIndex removes and cancels every entry targeting index.
// Call it when an index is closed or reopened so stale results are never reused.
func (c *Cache) RemoveSearchesForIndex(index string) int {
	var removed []*Entry

	c.mu.Lock()
	for key, e := range c.entries {
		if e.query.IndexName() == index {
			delete(c.entries, key)
			removed = append(removed, e)
		}
	}
	c.mu.Unlock()

	for _, e := range removed {
		e.CancelSearch()
		c.metrics.RecordEviction(EvictionIndex)
	}
	if len(removed) > 0 {
		c.logger.LogInvalidation(c.ctx, index, len(removed))
	}
	return len(removed)
}

// Clear removes all entries. With cancelRunning set, entries that are not
// fully done are cancelled.
func (c *Cache) Clear(cancelRunning bool) int {
	c.mu.Lock()
	removed := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		removed = append(removed, e)
	}
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	for _, e := range removed {
		if cancelRunning && !e.FullyDone() {
			e.CancelSearch()
		}
		c.metrics.RecordEviction(EvictionClear)
	}
	return len(removed)
}

// removeEntry deletes e if it is still the entry registered under its key.
func (c *Cache) removeEntry(e *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[e.key]; ok && cur == e {
		delete(c.entries, e.key)
		return true
	}
	return false
}

// snapshot returns the registered entries.
func (c *Cache) snapshot() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Len returns the number of registered entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// EstimatedSize returns the estimated bytes held by all cached results.
func (c *Cache) EstimatedSize() int64 {
	var size int64
	for _, e := range c.snapshot() {
		size += e.EstimatedSize()
	}
	return size
}

// Sweep runs one load-management pass synchronously.
func (c *Cache) Sweep(ctx context.Context) (SweepStats, error) {
	return c.lm.Sweep(ctx)
}

// Close stops the load manager, cancels all running searches and, if the
// cache created its own worker pool, waits for the workers to exit.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.lm.Close()
	c.Clear(true)
	c.cancel()

	if c.ownedPool != nil {
		c.ownedPool.Close()
	}

	c.logger.Debug("search cache closed")
	return nil
}

func (c *Cache) entryDone(e *Entry) {
	waited := e.TimeUserWaited(c.clock.Now())
	err := e.Err()
	if e.Cancelled() {
		err = ErrCancelled
	}

	c.metrics.RecordTaskDone(waited, err)
	c.logger.LogTaskDone(c.ctx, e.id, describe(e.query), waited, err)

	if e.Cancelled() {
		c.removeEntry(e)
	}
}
