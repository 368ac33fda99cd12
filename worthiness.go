package searchcache

import "time"

// BytesPerResultObject is the rough size of one materialized result object,
// used to estimate the memory held by a cached result.
const BytesPerResultObject = 32

const (
	// YouthThreshold is the age below which an unfinished search is protected.
	YouthThreshold = 20 * time.Second

	// recentAccessWindow protects entries used within the last minute.
	recentAccessWindow = 60 * time.Second

	sizeSaturationBytes = 100_000_000     // ~100MB
	waitSaturation      = 5 * time.Minute // runtime score saturates here
	unusedSaturation    = 5 * time.Minute // recency score saturates here
)

// Worthiness bands. Higher means keep longer; bands never overlap.
const (
	finishedMin   = 1
	finishedMax   = 9_999
	oldCountBase  = 10_000
	oldSearchBase = 20_000
	youngBase     = 30_000
	bandWidth     = 10_000
)

// EntryState is the part of an entry's state the scorer looks at.
type EntryState struct {
	Done           bool
	CountOnly      bool
	ResultObjects  int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	FinishedAt     time.Time
}

// TimeUserWaited returns how long the user waited (or has been waiting) for the search.
func (s EntryState) TimeUserWaited(now time.Time) time.Duration {
	if s.Done && !s.FinishedAt.IsZero() {
		return s.FinishedAt.Sub(s.CreatedAt)
	}
	return now.Sub(s.CreatedAt)
}

// TimeUnused returns how long ago the entry was last accessed.
func (s EntryState) TimeUnused(now time.Time) time.Duration {
	return now.Sub(s.LastAccessedAt)
}

// Worthiness ranks an entry for eviction; higher means keep longer.
//
//	   1 –  9,999  finished: runTimeScore / recencyScore / sizeScore
//	10,000 – 19,999  unfinished, older than YouthThreshold, counting only
//	20,000 – 29,999  unfinished, older than YouthThreshold, full search
//	30,000 – 39,999  unfinished and younger than YouthThreshold
//
// Within the unfinished bands, younger jobs score higher.
func Worthiness(s EntryState, now time.Time) int64 {
	if s.Done {
		return finishedWorthiness(s, now)
	}

	age := now.Sub(s.CreatedAt)
	if age < 0 {
		age = 0
	}

	if age < YouthThreshold {
		// 39,999 at age 0 down to 30,000 at the threshold
		return youngBase + (bandWidth-1) - int64(age)*(bandWidth-1)/int64(YouthThreshold)
	}

	base := int64(oldSearchBase)
	if s.CountOnly {
		base = oldCountBase
	}
	secs := int64(age / time.Second)
	if secs > bandWidth-1 {
		secs = bandWidth - 1
	}
	return base + (bandWidth - 1) - secs
}

func finishedWorthiness(s EntryState, now time.Time) int64 {
	sizeBytes := s.ResultObjects * BytesPerResultObject
	sizeScore := clamp(sizeBytes/(sizeSaturationBytes/100), 1, 100)

	waited := min(s.TimeUserWaited(now), waitSaturation)
	runTimeScore := clamp(int64(waited*10_000/waitSaturation), 1, 10_000)

	unused := s.TimeUnused(now)
	recencyScore := clamp(int64(min(unused, unusedSaturation)*100/unusedSaturation), 1, 100)

	if unused < recentAccessWindow {
		return clamp(10_000/recencyScore, finishedMin, finishedMax)
	}
	return clamp(runTimeScore/recencyScore/sizeScore, finishedMin, finishedMax)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
