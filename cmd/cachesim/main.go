// Command cachesim drives a search cache with a synthetic query workload and
// prints the cache status when done.
//
// Query popularity follows a Zipf distribution so popular queries repeat the
// way real traffic does. Each simulated search sleeps for a random time and
// publishes a growing hit count, so the load manager sees young, counting and
// finished entries side by side.
//
//	cachesim -config searchcache.yaml -clients 16 -duration 30s
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/searchcache"
	"github.com/hupe1980/searchcache/internal/randutil"
)

var (
	configPath = flag.String("config", "", "YAML or TOML cache config")
	clients    = flag.Int("clients", 8, "concurrent clients")
	duration   = flag.Duration("duration", 10*time.Second, "simulation length")
	queries    = flag.Int("queries", 500, "distinct queries")
	skew       = flag.Float64("skew", 1.2, "Zipf skew of query popularity")
	maxTask    = flag.Duration("max-task", 200*time.Millisecond, "longest simulated search")
	countShare = flag.Float64("count-share", 0.2, "share of counting-only queries")
	seed       = flag.Int64("seed", 42, "random seed")
	verbose    = flag.Bool("v", false, "debug logging")
)

// simHits is a growing hit list.
type simHits struct {
	n atomic.Int64
}

func (h *simHits) ResultObjects() int64 { return h.n.Load() }

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cachesim:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := searchcache.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	metrics := &searchcache.BasicMetricsCollector{}
	cache, err := searchcache.New(
		searchcache.WithConfig(cfg),
		searchcache.WithLogger(searchcache.NewTextLogger(level)),
		searchcache.WithMetricsCollector(metrics),
	)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	rng := randutil.NewRNG(*seed)

	g, gctx := errgroup.WithContext(ctx)
	for range *clients {
		g.Go(func() error {
			return client(gctx, cache, rng)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := metrics.GetStats()
	fmt.Printf("lookups: %d hits, %d misses (%.1f%% hit ratio), %d rejected\n",
		stats.Hits, stats.Misses, 100*stats.HitRatio(), stats.Rejections)
	fmt.Printf("tasks:   %d finished, %d failed, %d cancelled, %d aborted\n",
		stats.TasksFinished, stats.TasksFailed, stats.TasksCancelled, stats.Aborts)
	fmt.Printf("sweeps:  %d (avg %s), %d evictions\n\n",
		stats.Sweeps, time.Duration(stats.SweepAvgNanos), stats.Evictions)

	return cache.WriteStatus(os.Stdout)
}

func client(ctx context.Context, cache *searchcache.Cache, rng *randutil.RNG) error {
	for ctx.Err() == nil {
		n := rng.Zipf(*queries, *skew)
		q := searchcache.Description{
			Index:     fmt.Sprintf("corpus-%d", n%4),
			Operation: "hits",
			Pattern:   fmt.Sprintf("pattern-%d", n),
			Count:     float64(n%100)/100 < *countShare,
		}

		e, err := cache.Get(ctx, q, simulatedSearch(rng.Duration(time.Millisecond, *maxTask), int64(rng.Intn(100_000))), true)
		switch searchcache.Classify(err) {
		case searchcache.ClassRejected:
			time.Sleep(10 * time.Millisecond)
			continue
		case searchcache.ClassUnknown:
			if err != nil {
				return err
			}
		}
		if e == nil {
			continue
		}

		// Half of the clients wait for the full count.
		if n%2 == 0 {
			_, _ = e.GetTimeout(ctx, *maxTask)
		}
	}
	return ctx.Err()
}

// simulatedSearch publishes a hit list early and keeps counting until d elapsed.
func simulatedSearch(d time.Duration, total int64) searchcache.Task {
	return func(ctx context.Context, run *searchcache.Run) (searchcache.Result, error) {
		hits := &simHits{}
		run.Publish(hits)

		const steps = 10
		ticker := time.NewTicker(max(d/steps, time.Millisecond))
		defer ticker.Stop()

		for i := int64(1); i <= steps; i++ {
			if err := run.CheckPause(ctx); err != nil {
				return hits, err
			}
			select {
			case <-ctx.Done():
				return hits, ctx.Err()
			case <-ticker.C:
				hits.n.Store(total * i / steps)
			}
		}
		return hits, nil
	}
}
