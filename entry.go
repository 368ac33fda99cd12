package searchcache

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/searchcache/pool"
)

// maxStackLen bounds the stack trace kept for panicking tasks.
const maxStackLen = 2048

// Entry is an asynchronous handle around one query's execution.
//
// An Entry behaves like a future: Start submits the task once, Get and
// GetTimeout wait for the initial result. Two cancellation paths exist:
// Cancel is the conventional one-shot cancellation and fails once the initial
// result is ready; CancelSearch also interrupts tasks that keep working after
// publishing a usable result (e.g. a running hit count) and only fails once
// the task is fully done.
//
// Timestamps and flags are atomics so status introspection can read them
// without taking any lock.
type Entry struct {
	id        uint64
	query     Query
	key       string
	countOnly bool

	clock        Clock
	pollInterval time.Duration
	executor     pool.Executor
	onDone       func(*Entry)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	task   Task
	result Result
	err    error
	handle pool.Handle

	started            atomic.Bool
	running            atomic.Bool
	initialResultReady atomic.Bool
	fullyDone          atomic.Bool
	cancelled          atomic.Bool
	paused             atomic.Bool

	createdAt      time.Time
	lastAccessedAt atomic.Int64 // unix nanos
	finishedAt     atomic.Int64 // unix nanos, 0 while running
	worthiness     atomic.Int64
}

type entryConfig struct {
	id           uint64
	query        Query
	task         Task
	clock        Clock
	pollInterval time.Duration
	executor     pool.Executor
	onDone       func(*Entry)
}

func newEntry(parent context.Context, cfg entryConfig) *Entry {
	ctx, cancel := context.WithCancel(parent)
	now := cfg.clock.Now()

	e := &Entry{
		id:           cfg.id,
		query:        cfg.query,
		key:          cfg.query.CacheKey(),
		countOnly:    isCountOnly(cfg.query),
		clock:        cfg.clock,
		pollInterval: cfg.pollInterval,
		executor:     cfg.executor,
		onDone:       cfg.onDone,
		ctx:          ctx,
		cancel:       cancel,
		task:         cfg.task,
		createdAt:    now,
	}
	e.lastAccessedAt.Store(now.UnixNano())
	return e
}

// ID returns the entry's sequence number (for logging and debugging only).
func (e *Entry) ID() uint64 { return e.id }

// Query returns the query the entry was created for.
func (e *Entry) Query() Query { return e.query }

// Key returns the cache key the entry is registered under.
func (e *Entry) Key() string { return e.key }

// CreatedAt returns when the entry was created.
func (e *Entry) CreatedAt() time.Time { return e.createdAt }

// LastAccessedAt returns when the entry was last returned from the cache.
func (e *Entry) LastAccessedAt() time.Time {
	return time.Unix(0, e.lastAccessedAt.Load())
}

// FinishedAt returns when the task finished, or the zero time if it has not.
func (e *Entry) FinishedAt() time.Time {
	ns := e.finishedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// InitialResultReady reports whether the result object exists. The task may
// still be refining it.
func (e *Entry) InitialResultReady() bool { return e.initialResultReady.Load() }

// FullyDone reports whether nothing about the entry will change anymore.
func (e *Entry) FullyDone() bool { return e.fullyDone.Load() }

// Cancelled reports whether the entry was cancelled.
func (e *Entry) Cancelled() bool { return e.cancelled.Load() }

// Err returns the stored task failure, if any.
func (e *Entry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Worthiness returns the last computed worthiness. It does not track live
// state; call UpdateWorthiness first.
func (e *Entry) Worthiness() int64 { return e.worthiness.Load() }

// UpdateWorthiness recomputes and stores the worthiness for now.
func (e *Entry) UpdateWorthiness(now time.Time) int64 {
	w := Worthiness(e.State(), now)
	e.worthiness.Store(w)
	return w
}

// State returns the scorer's view of the entry.
func (e *Entry) State() EntryState {
	done := e.fullyDone.Load()
	s := EntryState{
		Done:           done,
		CountOnly:      e.countOnly,
		ResultObjects:  e.ResultObjects(),
		CreatedAt:      e.createdAt,
		LastAccessedAt: e.LastAccessedAt(),
	}
	if done {
		s.FinishedAt = e.FinishedAt()
	}
	return s
}

// TimeUserWaited returns how long the user waited (or is waiting) for the result.
func (e *Entry) TimeUserWaited(now time.Time) time.Duration {
	return e.State().TimeUserWaited(now)
}

// TimeUnused returns how long ago the entry was last accessed.
func (e *Entry) TimeUnused(now time.Time) time.Duration {
	return now.Sub(e.LastAccessedAt())
}

// ResultObjects returns the number of result objects materialized so far.
func (e *Entry) ResultObjects() int64 {
	e.mu.Lock()
	r := e.result
	e.mu.Unlock()

	if r == nil {
		return 0
	}
	if s, ok := r.(Sizer); ok {
		return s.ResultObjects()
	}
	return 1
}

// EstimatedSize returns the rough memory held by the result in bytes.
func (e *Entry) EstimatedSize() int64 {
	return e.ResultObjects() * BytesPerResultObject
}

// touch moves lastAccessedAt forward; it never moves backwards.
func (e *Entry) touch(now time.Time) {
	ns := now.UnixNano()
	for {
		cur := e.lastAccessedAt.Load()
		if ns <= cur {
			return
		}
		if e.lastAccessedAt.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// Start submits the task to the worker pool. Only the first call submits;
// later calls only wait (if block is set). Start never blocks on a full
// queue: the entry stays queued until a slot frees up or it is cancelled.
//
// With block set, Start polls until the initial result is ready, the task
// handle reports completion or the entry is cancelled, and then returns the
// entry's outcome as Get would. ctx bounds only the wait.
func (e *Entry) Start(ctx context.Context, block bool) error {
	if e.started.CompareAndSwap(false, true) {
		e.enqueue()
	}

	if !block {
		return nil
	}
	return e.wait(ctx, nil)
}

// trySubmitter is implemented by executors that can enqueue without blocking.
type trySubmitter interface {
	TrySubmit(ctx context.Context, fn func(ctx context.Context)) (pool.Handle, error)
}

// enqueue hands the task to the executor. If the queue is full the
// submission continues in the background, bounded by the entry's context.
func (e *Entry) enqueue() {
	if ts, ok := e.executor.(trySubmitter); ok {
		h, err := ts.TrySubmit(e.ctx, e.execute)
		if !errors.Is(err, pool.ErrQueueFull) {
			e.submitted(h, err)
			return
		}
	}

	go func() {
		h, err := e.executor.Submit(e.ctx, e.execute)
		e.submitted(h, err)
	}()
}

func (e *Entry) submitted(h pool.Handle, err error) {
	if err == nil {
		e.mu.Lock()
		e.handle = h
		e.mu.Unlock()
		return
	}

	if e.ctx.Err() != nil {
		// Interrupted or cache closed while waiting for a queue slot.
		e.cancelled.Store(true)
		e.finish(nil, nil, "")
		return
	}
	e.finish(nil, translateError(err), "")
}

// Get waits for the initial result.
//
// It returns ErrCancelled if the entry was cancelled, an *ExecutionError if
// the task failed, or ctx.Err() if the caller gives up first.
func (e *Entry) Get(ctx context.Context) (Result, error) {
	if err := e.wait(ctx, nil); err != nil {
		return nil, err
	}
	return e.currentResult(), nil
}

// GetTimeout is Get with a deadline. It returns ErrTimeout when d elapses
// first; the search itself keeps running.
func (e *Entry) GetTimeout(ctx context.Context, d time.Duration) (Result, error) {
	if d <= 0 {
		if !e.settled() {
			return nil, ErrTimeout
		}
		if err := e.outcome(); err != nil {
			return nil, err
		}
		return e.currentResult(), nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	if err := e.wait(ctx, timer.C); err != nil {
		return nil, err
	}
	return e.currentResult(), nil
}

// Cancel is the one-shot cancellation. It fails once the initial result is
// ready or the entry was already cancelled. With interrupt set the running
// task's context is cancelled.
func (e *Entry) Cancel(interrupt bool) bool {
	if e.initialResultReady.Load() || e.fullyDone.Load() {
		return false
	}
	if !e.cancelled.CompareAndSwap(false, true) {
		return false
	}
	if interrupt {
		e.interrupt()
	}
	e.abandon()
	return true
}

// CancelSearch interrupts the task even after its initial result is ready.
// It only fails if the task is already fully done.
func (e *Entry) CancelSearch() bool {
	if e.fullyDone.Load() {
		return false
	}
	e.cancelled.Store(true)
	e.interrupt()
	e.abandon()
	return true
}

// SetPaused sets the cooperative pause flag. Tasks only block while paused
// if they call Run.CheckPause.
func (e *Entry) SetPaused(paused bool) { e.paused.Store(paused) }

// Paused reports the cooperative pause flag.
func (e *Entry) Paused() bool { return e.paused.Load() }

// Status returns a short status string for introspection.
func (e *Entry) Status() string {
	switch {
	case e.cancelled.Load():
		return "cancelled"
	case e.Err() != nil:
		return "failed"
	case e.fullyDone.Load():
		return "finished"
	case e.paused.Load() && e.running.Load():
		return "paused"
	case e.initialResultReady.Load():
		return "counting"
	case e.running.Load():
		return "running"
	default:
		return "queued"
	}
}

func (e *Entry) interrupt() {
	e.cancel()

	e.mu.Lock()
	h := e.handle
	e.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// abandon finishes a cancelled entry whose task no worker has claimed yet,
// whether it was never submitted or is still waiting in the queue.
func (e *Entry) abandon() {
	e.started.Store(true)

	e.mu.Lock()
	unclaimed := e.task != nil
	e.task = nil
	e.mu.Unlock()

	if unclaimed {
		e.finish(nil, nil, "")
	}
}

// execute runs on a worker. The task is consumed exactly once.
func (e *Entry) execute(ctx context.Context) {
	var (
		res   Result
		err   error
		stack string
	)

	e.mu.Lock()
	task := e.task
	e.task = nil
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = truncate(string(debug.Stack()), maxStackLen)
		}
		e.running.Store(false)
		e.finish(res, err, stack)
	}()

	if task == nil || e.cancelled.Load() {
		return
	}
	if ctx.Err() != nil {
		e.cancelled.Store(true)
		return
	}

	e.running.Store(true)
	res, err = task(ctx, &Run{e: e})
}

func (e *Entry) publish(res Result) {
	e.mu.Lock()
	if !e.initialResultReady.Load() {
		e.result = res
	}
	e.mu.Unlock()
	e.initialResultReady.Store(true)
}

func (e *Entry) finish(res Result, err error, stack string) {
	e.mu.Lock()
	if e.fullyDone.Load() {
		e.mu.Unlock()
		return
	}
	e.task = nil
	if res != nil {
		e.result = res
	}
	if err != nil {
		e.err = &ExecutionError{EntryID: e.id, Key: e.key, Stack: stack, cause: err}
	}
	e.mu.Unlock()

	if err == nil && !e.cancelled.Load() {
		e.initialResultReady.Store(true)
	}
	e.finishedAt.Store(e.clock.Now().UnixNano())
	e.fullyDone.Store(true)
	e.cancel()

	if e.onDone != nil {
		e.onDone(e)
	}
}

func (e *Entry) settled() bool {
	if e.cancelled.Load() || e.initialResultReady.Load() || e.fullyDone.Load() {
		return true
	}
	e.mu.Lock()
	h := e.handle
	e.mu.Unlock()
	return h != nil && h.Done()
}

func (e *Entry) outcome() error {
	if e.cancelled.Load() {
		return ErrCancelled
	}
	if err := e.Err(); err != nil {
		return err
	}
	if e.initialResultReady.Load() {
		return nil
	}
	// Handle finished without a result and without an error.
	return ErrCancelled
}

func (e *Entry) currentResult() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// wait polls the entry every pollInterval until it settles.
func (e *Entry) wait(ctx context.Context, deadline <-chan time.Time) error {
	if e.settled() {
		return e.outcome()
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if e.settled() {
				return e.outcome()
			}
			return ErrTimeout
		case <-ticker.C:
			if e.settled() {
				return e.outcome()
			}
		}
	}
}

// Run is handed to a running task.
type Run struct {
	e *Entry
}

// Publish makes res the entry's initial result while the task keeps working.
// Only the first call has an effect; a non-nil value returned by the task
// replaces it when the task finishes.
func (r *Run) Publish(res Result) { r.e.publish(res) }

// Paused reports the cooperative pause flag without blocking.
func (r *Run) Paused() bool { return r.e.paused.Load() }

// CheckPause is the cooperative pause point. It blocks while the entry is
// paused and returns ctx.Err() once the task has been interrupted.
func (r *Run) CheckPause(ctx context.Context) error {
	if !r.e.paused.Load() {
		return ctx.Err()
	}

	ticker := time.NewTicker(r.e.pollInterval)
	defer ticker.Stop()

	for r.e.paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return ctx.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
