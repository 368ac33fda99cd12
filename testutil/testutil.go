package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/searchcache/pool"
)

// ManualClock is a clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Gate blocks goroutines until it is opened. The zero value is not usable.
type Gate struct {
	ch      chan struct{}
	once    sync.Once
	waiters atomic.Int32
}

// NewGate creates a closed gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open releases all current and future waiters. It is safe to call twice.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Wait blocks until the gate opens or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	g.waiters.Add(1)
	defer g.waiters.Add(-1)

	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Waiters returns the number of goroutines blocked in Wait.
func (g *Gate) Waiters() int {
	return int(g.waiters.Load())
}

// CountingExecutor wraps an executor and counts submissions.
type CountingExecutor struct {
	pool.Executor
	submits atomic.Int64
}

// NewCountingExecutor wraps ex.
func NewCountingExecutor(ex pool.Executor) *CountingExecutor {
	return &CountingExecutor{Executor: ex}
}

// Submit implements pool.Executor.
func (c *CountingExecutor) Submit(ctx context.Context, fn func(ctx context.Context)) (pool.Handle, error) {
	c.submits.Add(1)
	return c.Executor.Submit(ctx, fn)
}

// Submits returns the number of Submit calls so far.
func (c *CountingExecutor) Submits() int64 {
	return c.submits.Load()
}

// Eventually polls cond every tick until it returns true or timeout elapses.
// It reports whether cond became true.
func Eventually(cond func() bool, timeout, tick time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(tick)
	}
}
