package engine

// Score aggregation:
//   - A score is the sum of its intervals, each weighted by usage.Decay at its end
//   - Zero-length intervals (accesses) count as one minute of use
//   - Intervals of minInterval or longer count their length in minutes
//   - Anything in between is focus flicker and contributes nothing
//   - The previous score decays from its last update to now before new
//     intervals are added; the store hands each finished interval over once
//   - Computed in Go; the store only applies decay at read time through
//     its rank_decay SQL function

import (
	"time"

	"github.com/lazypower/rankd/internal/usage"
)

const minInterval = 4 * time.Second

// accumulate is the store.Accumulator used for every score update.
func accumulate(prev *usage.ScoreRecord, intervals []usage.Interval, now time.Time) float64 {
	score := 0.0
	if prev != nil {
		score = prev.CachedScore * usage.Decay(prev.LastUpdate, now)
	}
	for _, iv := range intervals {
		score += contribution(iv, now)
	}
	return score
}

func contribution(iv usage.Interval, now time.Time) float64 {
	if iv.End == nil {
		return 0
	}
	switch d := iv.Length(); {
	case d == 0:
		return usage.Decay(*iv.End, now)
	case d >= minInterval:
		return usage.Decay(*iv.End, now) * d.Minutes()
	default:
		return 0
	}
}
