package searchcache

import (
	"log/slog"
	"time"

	"github.com/hupe1980/searchcache/internal/resource"
	"github.com/hupe1980/searchcache/pool"
)

// Clock supplies the timestamps entries are scored by.
// Waiting and polling always use real timers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// MemoryProbe reports free memory in bytes.
type MemoryProbe = resource.MemoryProbe

// Executor runs entry tasks.
type Executor = pool.Executor

type options struct {
	cfg          Config
	logger       *Logger
	metrics      MetricsCollector
	executor     pool.Executor
	probe        MemoryProbe
	clock        Clock
	loadManager  bool
	warnInterval time.Duration
}

// Option configures a Cache.
type Option func(*options)

func applyOptions(optFns []Option) options {
	o := options{
		cfg:         DefaultConfig(),
		loadManager: true,
	}
	for _, fn := range optFns {
		fn(&o)
	}

	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsCollector{}
	}
	if o.clock == nil {
		o.clock = systemClock{}
	}
	return o
}

// WithConfig replaces the whole configuration. Options applied after it
// still override single fields.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithMaxEntries limits the number of cached entries.
// Zero disables caching; a negative value means unlimited.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		o.cfg.MaxEntries = n
	}
}

// WithMaxSize limits the estimated memory held by cached results.
// Zero disables caching; a negative value means unlimited.
func WithMaxSize(size ByteSize) Option {
	return func(o *options) {
		o.cfg.MaxSize = size
	}
}

// WithMaxAge limits how long a finished entry may stay unused.
// Zero disables caching; a negative value means unlimited.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) {
		o.cfg.MaxAge = Duration(d)
	}
}

// WithMinFreeMemory sets the free memory below which new searches are
// rejected and finished entries are evicted.
func WithMinFreeMemory(size ByteSize) Option {
	return func(o *options) {
		o.cfg.MinFreeMemory = size
	}
}

// WithMaxSearchTime sets how long a user may wait for an unfinished search
// before it is aborted. A non-positive value means no limit.
func WithMaxSearchTime(d time.Duration) Option {
	return func(o *options) {
		o.cfg.MaxSearchTime = Duration(d)
	}
}

// WithSweepInterval sets the period of the background load-management sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		o.cfg.SweepInterval = Duration(d)
	}
}

// WithPollInterval sets how often waiters re-check an entry.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.cfg.PollInterval = Duration(d)
	}
}

// WithWorkers sets the size of the internal worker pool.
// Ignored when WithExecutor is used.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.cfg.Workers = n
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := searchcache.NewJSONLogger(slog.LevelInfo)
//	c, _ := searchcache.New(searchcache.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &searchcache.BasicMetricsCollector{}
//	c, _ := searchcache.New(searchcache.WithMetricsCollector(metrics))
//	// ... use c ...
//	stats := metrics.GetStats()
//	fmt.Printf("Hits: %d, Misses: %d\n", stats.Hits, stats.Misses)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithExecutor runs tasks on ex instead of an internal worker pool.
// The cache does not close an injected executor.
func WithExecutor(ex Executor) Option {
	return func(o *options) {
		o.executor = ex
	}
}

// WithMemoryProbe replaces the system free-memory probe.
func WithMemoryProbe(p MemoryProbe) Option {
	return func(o *options) {
		o.probe = p
	}
}

// WithClock replaces the clock used for entry timestamps.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithWarnInterval sets the minimum interval between repeated resource warnings.
func WithWarnInterval(d time.Duration) Option {
	return func(o *options) {
		o.warnInterval = d
	}
}

// WithoutLoadManager disables the background sweep. Sweeps still run on
// admission pressure, when a limit is exceeded, and on explicit Sweep calls.
func WithoutLoadManager() Option {
	return func(o *options) {
		o.loadManager = false
	}
}
