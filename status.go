package searchcache

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is a snapshot of the cache's limits and usage.
type Status struct {
	InstanceID    string
	Disabled      bool
	MaxEntries    int
	MaxSize       ByteSize
	MaxAge        Duration
	MinFreeMemory ByteSize
	MaxSearchTime Duration
	Entries       int
	SizeBytes     int64
	FreeMemory    int64
}

// EntryStatus describes one cached entry.
type EntryStatus struct {
	ID             uint64
	Key            string
	Query          string
	Index          string
	Status         string
	CountOnly      bool
	Worthiness     int64
	ResultObjects  int64
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	FinishedAt     time.Time
	UserWaited     time.Duration
	Unused         time.Duration

	// Set for failed entries.
	ErrorType    string
	ErrorMessage string
	Stack        string
}

// DumpStatus reports the cache's limits and usage.
func (c *Cache) DumpStatus() Status {
	return Status{
		InstanceID:    c.id.String(),
		Disabled:      c.Disabled(),
		MaxEntries:    c.cfg.MaxEntries,
		MaxSize:       c.cfg.MaxSize,
		MaxAge:        c.cfg.MaxAge,
		MinFreeMemory: c.cfg.MinFreeMemory,
		MaxSearchTime: c.cfg.MaxSearchTime,
		Entries:       c.Len(),
		SizeBytes:     c.EstimatedSize(),
		FreeMemory:    c.rc.FreeMemory(),
	}
}

// DumpContents describes every cached entry, most recently created first.
func (c *Cache) DumpContents() []EntryStatus {
	now := c.clock.Now()
	entries := c.snapshot()

	out := make([]EntryStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.describeStatus(now))
	}
	slices.SortFunc(out, func(a, b EntryStatus) int {
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

func (e *Entry) describeStatus(now time.Time) EntryStatus {
	s := EntryStatus{
		ID:             e.id,
		Key:            e.key,
		Query:          describe(e.query),
		Index:          e.query.IndexName(),
		Status:         e.Status(),
		CountOnly:      e.countOnly,
		Worthiness:     e.Worthiness(),
		ResultObjects:  e.ResultObjects(),
		CreatedAt:      e.createdAt,
		LastAccessedAt: e.LastAccessedAt(),
		FinishedAt:     e.FinishedAt(),
		UserWaited:     e.TimeUserWaited(now),
		Unused:         e.TimeUnused(now),
	}
	s.SizeBytes = s.ResultObjects * BytesPerResultObject

	if err := e.Err(); err != nil {
		cause := err
		var ee *ExecutionError
		if errors.As(err, &ee) {
			s.Stack = ee.Stack
			if inner := ee.Unwrap(); inner != nil {
				cause = inner
			}
		}
		s.ErrorType = fmt.Sprintf("%T", cause)
		s.ErrorMessage = cause.Error()
	}
	return s
}

// WriteStatus writes a human-readable status report.
func (c *Cache) WriteStatus(w io.Writer) error {
	st := c.DumpStatus()

	var b strings.Builder
	fmt.Fprintf(&b, "search cache %s\n", st.InstanceID)
	if st.Disabled {
		b.WriteString("  caching disabled\n")
	}
	fmt.Fprintf(&b, "  entries:      %s / %s\n", humanize.Comma(int64(st.Entries)), limitString(st.MaxEntries))
	fmt.Fprintf(&b, "  size:         %s / %s\n", humanize.IBytes(uint64(max(st.SizeBytes, 0))), st.MaxSize)
	fmt.Fprintf(&b, "  free memory:  %s (min %s)\n", humanize.IBytes(uint64(max(st.FreeMemory, 0))), st.MinFreeMemory)
	fmt.Fprintf(&b, "  max age:      %s\n", st.MaxAge)
	fmt.Fprintf(&b, "  max search:   %s\n", st.MaxSearchTime)
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	contents := c.DumpContents()
	if len(contents) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tWORTH\tSIZE\tWAITED\tUNUSED\tQUERY")
	for _, s := range contents {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.Status,
			s.Worthiness,
			humanize.IBytes(uint64(max(s.SizeBytes, 0))),
			s.UserWaited.Round(time.Millisecond),
			s.Unused.Round(time.Millisecond),
			s.Query,
		)
	}
	return tw.Flush()
}

func limitString(n int) string {
	if n < 0 {
		return "unlimited"
	}
	return humanize.Comma(int64(n))
}

// describe renders a query for logs and status output.
func describe(q Query) string {
	if s, ok := q.(fmt.Stringer); ok {
		return s.String()
	}
	return q.CacheKey()
}
