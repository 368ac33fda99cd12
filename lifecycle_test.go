package searchcache_test

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/searchcache"
	"github.com/hupe1980/searchcache/testutil"
)

// TestNoGoroutineLeaks verifies that the load manager, the worker pool and
// running searches are all stopped when Close() is called.
func TestNoGoroutineLeaks(t *testing.T) {
	tests := []struct {
		name     string
		opts     []searchcache.Option
		maxLeaks int // Allow small variance (runtime background goroutines)
	}{
		{
			name:     "Defaults",
			maxLeaks: 2,
		},
		{
			name: "FastSweeps",
			opts: []searchcache.Option{
				searchcache.WithSweepInterval(time.Millisecond),
				searchcache.WithWorkers(8),
			},
			maxLeaks: 2,
		},
		{
			name:     "WithoutLoadManager",
			opts:     []searchcache.Option{searchcache.WithoutLoadManager()},
			maxLeaks: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runtime.GC()
			time.Sleep(50 * time.Millisecond)

			initial := runtime.NumGoroutine()
			t.Logf("Initial goroutines: %d", initial)

			opts := append([]searchcache.Option{
				searchcache.WithMinFreeMemory(0),
				searchcache.WithPollInterval(time.Millisecond),
			}, tt.opts...)
			c, err := searchcache.New(opts...)
			require.NoError(t, err)

			ctx := context.Background()
			gate := testutil.NewGate()

			// Finished searches
			for i := range 20 {
				q := searchcache.Description{Index: "corpus", Pattern: fmt.Sprintf("done-%d", i)}
				_, err := c.Get(ctx, q, func(context.Context, *searchcache.Run) (searchcache.Result, error) {
					return i, nil
				}, true)
				require.NoError(t, err)
			}

			// Searches that only end when interrupted
			for i := range 4 {
				q := searchcache.Description{Index: "corpus", Pattern: fmt.Sprintf("stuck-%d", i)}
				_, err := c.Get(ctx, q, func(ctx context.Context, _ *searchcache.Run) (searchcache.Result, error) {
					return nil, gate.Wait(ctx)
				}, false)
				require.NoError(t, err)
			}

			time.Sleep(20 * time.Millisecond)
			t.Logf("Before close: %d goroutines", runtime.NumGoroutine())

			require.NoError(t, c.Close())

			deadline := time.Now().Add(2 * time.Second)
			var final, leaked int
			for {
				runtime.GC()
				time.Sleep(50 * time.Millisecond)

				final = runtime.NumGoroutine()
				leaked = final - initial
				if leaked <= tt.maxLeaks || time.Now().After(deadline) {
					break
				}
			}

			t.Logf("Final goroutines: %d (leaked: %d)", final, leaked)

			if leaked > tt.maxLeaks {
				t.Errorf("Goroutine leak detected: started with %d, ended with %d (leaked: %d, max allowed: %d)",
					initial, final, leaked, tt.maxLeaks)

				buf := make([]byte, 1<<20)
				stackSize := runtime.Stack(buf, true)
				t.Logf("Goroutine stacks:\n%s", buf[:stackSize])
			}
		})
	}
}

// TestCloseIdempotent verifies that calling Close() multiple times is safe.
func TestCloseIdempotent(t *testing.T) {
	c, err := searchcache.New(searchcache.WithMinFreeMemory(0))
	require.NoError(t, err)

	q := searchcache.Description{Index: "corpus", Pattern: "x"}
	_, err = c.Get(context.Background(), q, func(context.Context, *searchcache.Run) (searchcache.Result, error) {
		return "x", nil
	}, true)
	require.NoError(t, err)

	err1 := c.Close()
	err2 := c.Close()
	err3 := c.Close()

	assert.NoError(t, err1, "First close should succeed")
	assert.NoError(t, err2, "Second close should be idempotent")
	assert.NoError(t, err3, "Third close should be idempotent")
	assert.Equal(t, 0, c.Len())
}
