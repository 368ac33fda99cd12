package resource

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrInsufficientMemory is returned when free memory is below the configured minimum.
var ErrInsufficientMemory = errors.New("insufficient free memory")

// Config holds resource limits.
type Config struct {
	// MinFreeMemoryBytes is the free memory the process tries to keep available.
	// If <= 0, admission is never rejected for memory.
	MinFreeMemoryBytes int64

	// MaxConcurrentSweeps is the maximum number of load-management sweeps running at once.
	// If 0, defaults to 1.
	MaxConcurrentSweeps int64

	// WarnInterval is the minimum spacing between two warnings with the same key.
	// If 0, defaults to one minute.
	WarnInterval time.Duration
}

// MemoryProbe reports free memory in bytes.
type MemoryProbe interface {
	FreeMemory() int64
}

// Controller manages the shared resources of a cache instance (memory headroom,
// sweep concurrency, warning budget).
type Controller struct {
	cfg   Config
	probe MemoryProbe

	// Concurrency
	sweepSem *semaphore.Weighted

	// Warnings
	warnMu   sync.Mutex
	warnings map[string]*rate.Limiter
}

// NewController creates a new resource controller.
// If probe is nil, the system probe is used.
func NewController(cfg Config, probe MemoryProbe) *Controller {
	if cfg.MaxConcurrentSweeps <= 0 {
		cfg.MaxConcurrentSweeps = 1
	}
	if cfg.WarnInterval <= 0 {
		cfg.WarnInterval = time.Minute
	}
	if probe == nil {
		probe = SystemProbe{}
	}

	return &Controller{
		cfg:      cfg,
		probe:    probe,
		sweepSem: semaphore.NewWeighted(cfg.MaxConcurrentSweeps),
		warnings: make(map[string]*rate.Limiter),
	}
}

// FreeMemory returns the free memory reported by the probe.
func (c *Controller) FreeMemory() int64 {
	if c == nil {
		return 0
	}
	return c.probe.FreeMemory()
}

// MinFreeMemory returns the configured free memory target (0 if disabled).
func (c *Controller) MinFreeMemory() int64 {
	if c == nil || c.cfg.MinFreeMemoryBytes < 0 {
		return 0
	}
	return c.cfg.MinFreeMemoryBytes
}

// HasHeadroom reports whether free memory is at or above the configured target.
func (c *Controller) HasHeadroom() bool {
	if c == nil || c.cfg.MinFreeMemoryBytes <= 0 {
		return true
	}
	return c.probe.FreeMemory() >= c.cfg.MinFreeMemoryBytes
}

// CheckMemory returns ErrInsufficientMemory if free memory is below the target.
// Non-blocking - callers decide whether to reclaim and retry.
func (c *Controller) CheckMemory() error {
	if c.HasHeadroom() {
		return nil
	}
	return ErrInsufficientMemory
}

// AcquireSweep reserves a sweep slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireSweep(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.sweepSem.Acquire(ctx, 1)
}

// TryAcquireSweep attempts to reserve a sweep slot without blocking.
func (c *Controller) TryAcquireSweep() bool {
	if c == nil {
		return true
	}
	return c.sweepSem.TryAcquire(1)
}

// ReleaseSweep releases a sweep slot.
func (c *Controller) ReleaseSweep() {
	if c == nil {
		return
	}
	c.sweepSem.Release(1)
}

// AllowWarning reports whether a warning with the given key may be logged now.
// Each key gets its own token bucket with a burst of one.
func (c *Controller) AllowWarning(key string) bool {
	if c == nil {
		return true
	}

	c.warnMu.Lock()
	lim, ok := c.warnings[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.cfg.WarnInterval), 1)
		c.warnings[key] = lim
	}
	c.warnMu.Unlock()

	return lim.Allow()
}
