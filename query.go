package searchcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// Query describes a search for caching purposes.
//
// CacheKey must be stable: two identical queries return the same key, always.
// A Query is owned by the caller and must not change after submission.
type Query interface {
	CacheKey() string
	// IndexName identifies the index the query targets.
	IndexName() string
}

// Counter is implemented by queries whose task only counts hits.
// Counting tasks rank below full searches among long-running entries.
type Counter interface {
	CountOnly() bool
}

// Uncacheable is implemented by queries that opted out of caching.
// Their entries run normally but are never registered in the cache.
type Uncacheable interface {
	SkipCache() bool
}

func isCountOnly(q Query) bool {
	c, ok := q.(Counter)
	return ok && c.CountOnly()
}

func skipsCache(q Query) bool {
	u, ok := q.(Uncacheable)
	return ok && u.SkipCache()
}

// Result is the value produced by a task.
type Result any

// Sizer is implemented by results that know how many result objects
// (hits, documents, groups) they have materialized so far.
// The count may grow while the task is still running.
type Sizer interface {
	ResultObjects() int64
}

// Task is a deferred search. It runs exactly once on the worker pool.
//
// ctx is cancelled when the entry is interrupted. Tasks that keep working after
// their result is usable call run.Publish first, and should call run.CheckPause
// periodically if they want to honour cooperative pausing.
type Task func(ctx context.Context, run *Run) (Result, error)

// Description is a ready-made Query for corpus searches.
type Description struct {
	// Index is the name of the target index.
	Index string
	// Operation is the kind of request (e.g. "hits", "docs", "group").
	Operation string
	// Pattern is the query in the engine's pattern language.
	Pattern string
	// Params are additional request parameters (sort, group, window, ...).
	Params map[string]string
	// Count marks a counting-only request.
	Count bool
	// NoCache opts the request out of caching.
	NoCache bool
}

// CacheKey returns a SHA-256 fingerprint over all fields.
// Params are sorted so map iteration order never changes the key.
func (d Description) CacheKey() string {
	h := sha256.New()

	h.Write([]byte(d.Index))
	h.Write([]byte{0})
	h.Write([]byte(d.Operation))
	h.Write([]byte{0})
	h.Write([]byte(d.Pattern))
	h.Write([]byte{0})

	keys := make([]string, 0, len(d.Params))
	for k := range d.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{1})
		h.Write([]byte(d.Params[k]))
		h.Write([]byte{0})
	}

	if d.Count {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// IndexName implements Query.
func (d Description) IndexName() string { return d.Index }

// CountOnly implements Counter.
func (d Description) CountOnly() bool { return d.Count }

// SkipCache implements Uncacheable.
func (d Description) SkipCache() bool { return d.NoCache }

// String returns a short human-readable form for logs and status dumps.
func (d Description) String() string {
	var b strings.Builder
	b.WriteString(d.Index)
	b.WriteByte('/')
	b.WriteString(d.Operation)
	b.WriteByte('?')
	b.WriteString(d.Pattern)
	if d.Count {
		b.WriteString(" [count]")
	}
	return b.String()
}
