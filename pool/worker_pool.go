// Package pool provides the bounded worker pool that executes search tasks.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned when work is submitted to a closed pool.
	ErrClosed = errors.New("worker pool closed")

	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("worker pool queue full")
)

// Handle is a cancellable reference to submitted work.
type Handle interface {
	// Cancel requests interruption by cancelling the work's context.
	Cancel()
	// Done reports whether the work function has returned.
	Done() bool
}

// Executor runs work functions and returns cancellable handles.
//
// The context passed to Submit bounds enqueueing and is the parent of the
// context handed to fn.
type Executor interface {
	Submit(ctx context.Context, fn func(ctx context.Context)) (Handle, error)
}

type job struct {
	ctx context.Context
	fn  func(ctx context.Context)
	h   *handle
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *handle) Cancel() { h.cancel() }

func (h *handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// WorkerPool manages a fixed pool of goroutines for search tasks.
type WorkerPool struct {
	numWorkers int
	workCh     chan job
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
	submitMu   sync.RWMutex

	active atomic.Int64
}

// NewWorkerPool creates a worker pool with numWorkers goroutines.
// If numWorkers <= 0, 2*GOMAXPROCS workers are started.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 2 * runtime.GOMAXPROCS(0)
	}

	wp := &WorkerPool{
		numWorkers: numWorkers,
		workCh:     make(chan job, numWorkers*2), // 2x buffer for pipelining
		stopCh:     make(chan struct{}),
	}

	wp.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.stopCh:
			// Drain remaining work before exiting
			for {
				select {
				case j, ok := <-wp.workCh:
					if !ok {
						return
					}
					wp.run(j)
				default:
					return
				}
			}
		case j, ok := <-wp.workCh:
			if !ok {
				return
			}
			wp.run(j)
		}
	}
}

func (wp *WorkerPool) run(j job) {
	wp.active.Add(1)
	defer func() {
		wp.active.Add(-1)
		j.h.cancel()
		close(j.h.done)
	}()
	j.fn(j.ctx)
}

// Submit enqueues fn. It blocks while the queue is full (backpressure).
//
// Error conditions:
//   - Returns ErrClosed if the pool is closed
//   - Returns ctx.Err() if ctx is done before enqueueing
func (wp *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context)) (Handle, error) {
	wp.submitMu.RLock()
	defer wp.submitMu.RUnlock()

	if wp.closed.Load() {
		return nil, ErrClosed
	}

	jobCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}

	select {
	case wp.workCh <- job{ctx: jobCtx, fn: fn, h: h}:
		return h, nil
	case <-wp.stopCh:
		cancel()
		return nil, ErrClosed
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// TrySubmit enqueues fn only if a queue slot is free. It never blocks.
//
// Error conditions:
//   - Returns ErrClosed if the pool is closed
//   - Returns ErrQueueFull if the queue is full
//   - Returns ctx.Err() if ctx is already done
func (wp *WorkerPool) TrySubmit(ctx context.Context, fn func(ctx context.Context)) (Handle, error) {
	wp.submitMu.RLock()
	defer wp.submitMu.RUnlock()

	if wp.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}

	select {
	case wp.workCh <- job{ctx: jobCtx, fn: fn, h: h}:
		return h, nil
	default:
		cancel()
		return nil, ErrQueueFull
	}
}

// NumWorkers returns the number of worker goroutines.
func (wp *WorkerPool) NumWorkers() int {
	return wp.numWorkers
}

// Active returns the number of work functions currently running.
func (wp *WorkerPool) Active() int {
	return int(wp.active.Load())
}

// Queued returns the number of submitted but not yet started work functions.
func (wp *WorkerPool) Queued() int {
	return len(wp.workCh)
}

// Close shuts down the worker pool and waits for queued and running work.
func (wp *WorkerPool) Close() {
	if !wp.closed.CompareAndSwap(false, true) {
		return
	}

	// Wake blocked submitters before waiting for their read locks.
	close(wp.stopCh)
	wp.submitMu.Lock()
	close(wp.workCh)
	wp.submitMu.Unlock()

	wp.wg.Wait()

	// Work enqueued while the workers were exiting still runs.
	for j := range wp.workCh {
		wp.run(j)
	}
}

var _ Executor = (*WorkerPool)(nil)
