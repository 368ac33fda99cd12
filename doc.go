// Package searchcache provides an in-memory cache for long-running corpus searches.
//
// Each query maps to at most one Entry. An Entry wraps the query's execution
// like a future: identical concurrent queries share one computation, callers
// may block on it or poll it, and results stay cached after the search
// finishes so later identical queries are answered without recomputation.
//
// # Quick Start
//
//	c, _ := searchcache.New(
//	    searchcache.WithMaxEntries(500),
//	    searchcache.WithMaxSize(2*searchcache.GiB),
//	)
//	defer c.Close()
//
//	q := searchcache.Description{Index: "corpus", Operation: "hits", Pattern: `"the" "cat"`}
//	e, err := c.Get(ctx, q, func(ctx context.Context, run *searchcache.Run) (searchcache.Result, error) {
//	    return engine.Search(ctx, q.Pattern)
//	}, true)
//	if err != nil {
//	    // searchcache.Classify(err) tells rejections, failures and cancellations apart.
//	}
//	res, _ := e.Get(ctx)
//
// # Long-running tasks
//
// Tasks that produce a usable result early (e.g. hits that are still being
// counted) call run.Publish to make it available; Entry.Get returns as soon as
// the initial result is ready. CancelSearch interrupts such tasks even after
// they published.
//
// # Load management
//
// A background LoadManager periodically ranks entries by worthiness and evicts
// the least worthy finished ones while the cache exceeds its entry, size or age
// limits or the system is short on memory. Searches that keep a user waiting
// longer than MaxSearchTime are aborted. New searches are rejected with
// ErrResourceExhausted when free memory stays below MinFreeMemory.
//
// # Configuration
//
// Limits come from Config, loadable from YAML or TOML with LoadConfig, and
// can be adjusted with functional options:
//
//	cfg, _ := searchcache.LoadConfig("searchcache.yaml")
//	c, _ := searchcache.New(searchcache.WithConfig(cfg), searchcache.WithLogLevel(slog.LevelDebug))
package searchcache
