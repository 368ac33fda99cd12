package searchcache

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/searchcache/internal/resource"
	"github.com/hupe1980/searchcache/testutil"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()

	base := []Option{
		WithoutLoadManager(),
		WithPollInterval(time.Millisecond),
		WithMemoryProbe(resource.NewFixedProbe(math.MaxInt64)),
		WithWorkers(4),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func query(pattern string) Description {
	return Description{Index: "corpus", Operation: "hits", Pattern: pattern}
}

func constTask(res Result, runs *atomic.Int64) Task {
	return func(context.Context, *Run) (Result, error) {
		if runs != nil {
			runs.Add(1)
		}
		return res, nil
	}
}

func gatedTask(gate *testutil.Gate) Task {
	return func(ctx context.Context, _ *Run) (Result, error) {
		if err := gate.Wait(ctx); err != nil {
			return nil, err
		}
		return "done", nil
	}
}

func keys(c *Cache) map[string]bool {
	out := make(map[string]bool)
	for _, e := range c.snapshot() {
		out[describe(e.Query())] = true
	}
	return out
}

func TestCacheGet(t *testing.T) {
	ctx := context.Background()

	t.Run("MissThenHit", func(t *testing.T) {
		metrics := &BasicMetricsCollector{}
		c := newTestCache(t, WithMetricsCollector(metrics))
		var runs atomic.Int64

		e1, err := c.Get(ctx, query("a"), constTask("r", &runs), true)
		require.NoError(t, err)

		e2, err := c.Get(ctx, query("a"), constTask("other", &runs), true)
		require.NoError(t, err)

		assert.Same(t, e1, e2)
		assert.Equal(t, int64(1), runs.Load())

		res, err := e2.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "r", res)

		stats := metrics.GetStats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.InDelta(t, 0.5, stats.HitRatio(), 1e-9)
	})

	t.Run("AtMostOneExecution", func(t *testing.T) {
		c := newTestCache(t)
		var runs atomic.Int64
		task := func(context.Context, *Run) (Result, error) {
			runs.Add(1)
			time.Sleep(10 * time.Millisecond)
			return "shared", nil
		}

		const callers = 32
		entries := make([]*Entry, callers)

		g, gctx := errgroup.WithContext(ctx)
		for i := range callers {
			g.Go(func() error {
				e, err := c.Get(gctx, query("same"), task, true)
				entries[i] = e
				return err
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(1), runs.Load())
		for _, e := range entries {
			assert.Same(t, entries[0], e)
		}
		assert.Equal(t, 1, c.Len())
	})

	t.Run("HitBumpsLastAccess", func(t *testing.T) {
		clock := testutil.NewManualClock(time.Unix(1_000, 0))
		c := newTestCache(t, WithClock(clock))

		e, err := c.Get(ctx, query("a"), constTask("r", nil), true)
		require.NoError(t, err)
		created := e.LastAccessedAt()

		clock.Advance(10 * time.Second)
		_, err = c.Get(ctx, query("a"), nil, false)
		require.NoError(t, err)

		assert.Equal(t, created.Add(10*time.Second), e.LastAccessedAt())
		assert.Equal(t, created, e.CreatedAt())
	})

	t.Run("JoinRunningSearch", func(t *testing.T) {
		c := newTestCache(t)
		gate := testutil.NewGate()

		e1, err := c.Get(ctx, query("slow"), gatedTask(gate), false)
		require.NoError(t, err)
		assert.False(t, e1.InitialResultReady())

		e2, err := c.Get(ctx, query("slow"), gatedTask(gate), false)
		require.NoError(t, err)
		assert.Same(t, e1, e2)

		gate.Open()
		res, err := e2.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "done", res)
	})

	t.Run("FailedEntriesStayCached", func(t *testing.T) {
		c := newTestCache(t)
		boom := errors.New("syntax error")
		var runs atomic.Int64
		task := func(context.Context, *Run) (Result, error) {
			runs.Add(1)
			return nil, boom
		}

		e1, err := c.Get(ctx, query("bad"), task, true)
		require.ErrorIs(t, err, boom)
		require.NotNil(t, e1)

		e2, err := c.Get(ctx, query("bad"), task, true)
		assert.ErrorIs(t, err, boom)
		assert.Same(t, e1, e2)
		assert.Equal(t, int64(1), runs.Load())
	})

	t.Run("CancelledEntryIsReplaced", func(t *testing.T) {
		c := newTestCache(t)
		gate := testutil.NewGate()
		defer gate.Open()

		first, err := c.Get(ctx, query("x"), gatedTask(gate), false)
		require.NoError(t, err)
		require.True(t, first.Cancel(true))

		second, err := c.Get(ctx, query("x"), constTask("fresh", nil), true)
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		assert.Equal(t, 1, c.Len())

		res, err := second.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fresh", res)

		_, err = first.Get(ctx)
		assert.ErrorIs(t, err, ErrCancelled, "only callers of the cancelled run see the error")
	})

	t.Run("CancelledEntryIsUnregistered", func(t *testing.T) {
		c := newTestCache(t)
		gate := testutil.NewGate()
		defer gate.Open()

		e, err := c.Get(ctx, query("x"), gatedTask(gate), false)
		require.NoError(t, err)
		require.True(t, e.CancelSearch())

		require.True(t, testutil.Eventually(func() bool { return c.Len() == 0 }, time.Second, time.Millisecond))
		assert.True(t, e.FullyDone())
	})

	t.Run("Uncacheable", func(t *testing.T) {
		c := newTestCache(t)
		q := query("private")
		q.NoCache = true
		var runs atomic.Int64

		_, err := c.Get(ctx, q, constTask("r", &runs), true)
		require.NoError(t, err)
		_, err = c.Get(ctx, q, constTask("r", &runs), true)
		require.NoError(t, err)

		assert.Equal(t, 0, c.Len())
		assert.Equal(t, int64(2), runs.Load())
	})

	t.Run("DisabledCaching", func(t *testing.T) {
		for name, opt := range map[string]Option{
			"MaxEntries": WithMaxEntries(0),
			"MaxSize":    WithMaxSize(0),
			"MaxAge":     WithMaxAge(0),
		} {
			t.Run(name, func(t *testing.T) {
				c := newTestCache(t, opt)
				var runs atomic.Int64

				e, err := c.Get(ctx, query("a"), constTask("r", &runs), true)
				require.NoError(t, err)
				res, err := e.Get(ctx)
				require.NoError(t, err)
				assert.Equal(t, "r", res)

				_, err = c.Get(ctx, query("a"), constTask("r", &runs), true)
				require.NoError(t, err)

				assert.True(t, c.Disabled())
				assert.Equal(t, 0, c.Len())
				assert.Equal(t, int64(2), runs.Load())
			})
		}
	})

	t.Run("Unlimited", func(t *testing.T) {
		c := newTestCache(t, WithMaxEntries(Unlimited), WithMaxSize(Unlimited), WithMaxAge(Unlimited))

		for _, p := range []string{"a", "b", "c", "d"} {
			_, err := c.Get(ctx, query(p), constTask(p, nil), true)
			require.NoError(t, err)
		}
		_, err := c.Sweep(ctx)
		require.NoError(t, err)

		assert.False(t, c.Disabled())
		assert.Equal(t, 4, c.Len())
	})
}

// memoryAfterFirstProbe reports no free memory on the first call only.
type memoryAfterFirstProbe struct {
	calls atomic.Int64
}

func (p *memoryAfterFirstProbe) FreeMemory() int64 {
	if p.calls.Add(1) == 1 {
		return 0
	}
	return math.MaxInt64
}

func TestCacheAdmission(t *testing.T) {
	ctx := context.Background()

	t.Run("Rejected", func(t *testing.T) {
		metrics := &BasicMetricsCollector{}
		probe := resource.NewFixedProbe(10)
		c := newTestCache(t,
			WithMemoryProbe(probe),
			WithMinFreeMemory(100),
			WithMetricsCollector(metrics),
		)
		var runs atomic.Int64

		e, err := c.Get(ctx, query("a"), constTask("r", &runs), true)
		require.Error(t, err)
		assert.Nil(t, e)
		assert.ErrorIs(t, err, ErrResourceExhausted)
		assert.Equal(t, ClassRejected, Classify(err))
		assert.Equal(t, int64(0), runs.Load())
		assert.Equal(t, int64(1), metrics.GetStats().Rejections)

		probe.Set(1_000)
		_, err = c.Get(ctx, query("a"), constTask("r", &runs), true)
		require.NoError(t, err)
		assert.Equal(t, int64(1), runs.Load())
	})

	t.Run("HitsBypassAdmission", func(t *testing.T) {
		probe := resource.NewFixedProbe(1_000)
		c := newTestCache(t, WithMemoryProbe(probe), WithMinFreeMemory(100))

		e1, err := c.Get(ctx, query("a"), constTask("r", nil), true)
		require.NoError(t, err)

		// Only new searches are checked; the finished entry is still served
		// since no sweep ran in between.
		probe.Set(10)
		e2, err := c.Get(ctx, query("a"), nil, false)
		require.NoError(t, err)
		assert.Same(t, e1, e2)
	})

	t.Run("AdmittedAfterSweep", func(t *testing.T) {
		probe := &memoryAfterFirstProbe{}
		metrics := &BasicMetricsCollector{}
		c := newTestCache(t, WithMemoryProbe(probe), WithMinFreeMemory(100), WithMetricsCollector(metrics))

		_, err := c.Get(ctx, query("a"), constTask("r", nil), true)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, probe.calls.Load(), int64(2))
		assert.Equal(t, int64(1), metrics.GetStats().Sweeps)
	})

	t.Run("Closed", func(t *testing.T) {
		c := newTestCache(t)
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())

		_, err := c.Get(ctx, query("a"), constTask("r", nil), true)
		assert.ErrorIs(t, err, ErrClosed)
		assert.Equal(t, ClassRejected, Classify(err))
	})

	t.Run("CloseRacesGet", func(t *testing.T) {
		c, err := New(
			WithoutLoadManager(),
			WithPollInterval(time.Millisecond),
			WithMemoryProbe(resource.NewFixedProbe(math.MaxInt64)),
		)
		require.NoError(t, err)

		var g errgroup.Group
		for i := range 50 {
			g.Go(func() error {
				_, err := c.Get(ctx, query(strconv.Itoa(i)), constTask(i, nil), false)
				if err != nil && !errors.Is(err, ErrClosed) {
					return err
				}
				return nil
			})
		}

		require.NoError(t, c.Close())
		require.NoError(t, g.Wait())
		assert.Equal(t, 0, c.Len(), "no entry may be registered after Close")
	})
}

func TestCacheSaturatedPool(t *testing.T) {
	ctx := context.Background()

	saturate := func(t *testing.T) (*Cache, *testutil.Gate) {
		t.Helper()

		c := newTestCache(t, WithWorkers(1))
		gate := testutil.NewGate()
		t.Cleanup(gate.Open)

		// 1 running + 2 queued fill a single-worker pool.
		for _, p := range []string{"a", "b", "c"} {
			_, err := c.Get(ctx, query(p), gatedTask(gate), false)
			require.NoError(t, err)
		}
		return c, gate
	}

	t.Run("AsyncGetReturnsImmediately", func(t *testing.T) {
		c, gate := saturate(t)

		gctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		type result struct {
			e   *Entry
			err error
		}
		done := make(chan result, 1)
		go func() {
			e, err := c.Get(gctx, query("d"), constTask("d", nil), false)
			done <- result{e, err}
		}()

		var d *Entry
		select {
		case r := <-done:
			require.NoError(t, r.err)
			require.NoError(t, gctx.Err(), "Get returned only after its deadline")
			d = r.e
		case <-time.After(time.Second):
			t.Fatal("async Get blocked on a full worker pool")
		}
		assert.Equal(t, "queued", d.Status())

		// A blocking joiner is bounded by its own deadline.
		wctx, wcancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer wcancel()
		_, err := c.Get(wctx, query("d"), constTask("other", nil), true)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, d.Cancelled())

		gate.Open()
		res, err := d.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "d", res)
	})

	t.Run("CancelWhileQueued", func(t *testing.T) {
		c, _ := saturate(t)

		d, err := c.Get(ctx, query("d"), constTask("d", nil), false)
		require.NoError(t, err)
		require.True(t, d.CancelSearch())

		require.True(t, testutil.Eventually(d.FullyDone, time.Second, time.Millisecond))
		assert.Equal(t, "cancelled", d.Status())
		require.True(t, testutil.Eventually(func() bool { return c.Len() == 3 }, time.Second, time.Millisecond))

		_, err = d.Get(ctx)
		assert.ErrorIs(t, err, ErrCancelled)
	})
}

func TestCacheRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("Idempotent", func(t *testing.T) {
		c := newTestCache(t)
		gate := testutil.NewGate()
		defer gate.Open()

		e, err := c.Get(ctx, query("a"), gatedTask(gate), false)
		require.NoError(t, err)

		assert.Same(t, e, c.Remove(query("a")))
		assert.Nil(t, c.Remove(query("a")))
		assert.Equal(t, 0, c.Len())
		assert.False(t, e.Cancelled(), "Remove does not cancel")
	})

	t.Run("RemoveSearchesForIndex", func(t *testing.T) {
		metrics := &BasicMetricsCollector{}
		c := newTestCache(t, WithMetricsCollector(metrics))
		gate := testutil.NewGate()
		defer gate.Open()

		a1, err := c.Get(ctx, Description{Index: "a", Pattern: "x"}, gatedTask(gate), false)
		require.NoError(t, err)
		a2, err := c.Get(ctx, Description{Index: "a", Pattern: "y"}, constTask("r", nil), true)
		require.NoError(t, err)
		_, err = c.Get(ctx, Description{Index: "b", Pattern: "x"}, constTask("r", nil), true)
		require.NoError(t, err)

		assert.Equal(t, 2, c.RemoveSearchesForIndex("a"))
		assert.Equal(t, 0, c.RemoveSearchesForIndex("a"))
		assert.Equal(t, 1, c.Len())

		assert.True(t, a1.Cancelled())
		assert.False(t, a2.Cancelled(), "finished entries are not cancelled")
		assert.Equal(t, int64(2), metrics.GetStats().Evictions)
	})

	t.Run("Clear", func(t *testing.T) {
		c := newTestCache(t)
		gate := testutil.NewGate()
		defer gate.Open()

		running, err := c.Get(ctx, query("running"), gatedTask(gate), false)
		require.NoError(t, err)
		_, err = c.Get(ctx, query("done"), constTask("r", nil), true)
		require.NoError(t, err)

		assert.Equal(t, 2, c.Clear(false))
		assert.Equal(t, 0, c.Len())
		assert.False(t, running.Cancelled())

		running, err = c.Get(ctx, query("running"), gatedTask(gate), false)
		require.NoError(t, err)
		assert.Equal(t, 1, c.Clear(true))
		assert.True(t, running.Cancelled())
	})

	t.Run("CloseCancelsRunning", func(t *testing.T) {
		c, err := New(WithoutLoadManager(), WithPollInterval(time.Millisecond))
		require.NoError(t, err)
		gate := testutil.NewGate()

		e, err := c.Get(ctx, query("a"), gatedTask(gate), false)
		require.NoError(t, err)

		require.NoError(t, c.Close())
		assert.True(t, e.Cancelled())
		assert.True(t, e.FullyDone())
	})
}

func TestCacheEviction(t *testing.T) {
	ctx := context.Background()

	t.Run("MaxEntries", func(t *testing.T) {
		metrics := &BasicMetricsCollector{}
		c := newTestCache(t, WithMaxEntries(1), WithMetricsCollector(metrics))

		_, err := c.Get(ctx, query("a"), constTask("a", nil), true)
		require.NoError(t, err)
		_, err = c.Get(ctx, query("b"), constTask("b", nil), true)
		require.NoError(t, err)

		assert.Equal(t, 1, c.Len())
		assert.Equal(t, map[string]bool{describe(query("b")): true}, keys(c))
		assert.Equal(t, int64(1), metrics.GetStats().Evictions)
	})

	t.Run("LeastRecentlyUsedGoesFirst", func(t *testing.T) {
		clock := testutil.NewManualClock(time.Unix(1_000, 0))
		c := newTestCache(t, WithMaxEntries(2), WithClock(clock))

		_, err := c.Get(ctx, query("A"), constTask("A", nil), true)
		require.NoError(t, err)
		clock.Advance(time.Second)

		_, err = c.Get(ctx, query("B"), constTask("B", nil), true)
		require.NoError(t, err)
		clock.Advance(time.Second)

		_, err = c.Get(ctx, query("A"), nil, false)
		require.NoError(t, err)
		clock.Advance(time.Second)

		_, err = c.Get(ctx, query("C"), constTask("C", nil), true)
		require.NoError(t, err)

		assert.Equal(t, map[string]bool{
			describe(query("A")): true,
			describe(query("C")): true,
		}, keys(c))
	})

	t.Run("MaxSize", func(t *testing.T) {
		c := newTestCache(t, WithMaxSize(100))
		sized := func(n int64) Task {
			return func(context.Context, *Run) (Result, error) {
				h := &hits{}
				h.n.Store(n)
				return h, nil
			}
		}

		_, err := c.Get(ctx, query("a"), sized(2), true)
		require.NoError(t, err)
		assert.Equal(t, int64(2*BytesPerResultObject), c.EstimatedSize())

		_, err = c.Get(ctx, query("b"), sized(2), true)
		require.NoError(t, err)

		// Both results finished after the last insert, so only a sweep notices.
		_, err = c.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, c.Len())
		assert.LessOrEqual(t, c.EstimatedSize(), int64(100))
	})

	t.Run("UnfinishedNeverEvictedForSize", func(t *testing.T) {
		c := newTestCache(t, WithMaxEntries(1))
		gate := testutil.NewGate()
		defer gate.Open()

		_, err := c.Get(ctx, query("a"), gatedTask(gate), false)
		require.NoError(t, err)
		_, err = c.Get(ctx, query("b"), gatedTask(gate), false)
		require.NoError(t, err)

		assert.Equal(t, 2, c.Len())
	})
}
