package usage

import (
	"math"
	"time"
)

// DecayDays is the e-folding time of a score: after this many days without
// use a score has fallen to 1/e (it halves roughly every 22 days).
const DecayDays = 32.0

const msPerDay = float64(24 * time.Hour / time.Millisecond)

// Decay returns exp(-days(t, now) / DecayDays). It is the only time weighting
// used anywhere in rankd.
func Decay(t, now time.Time) float64 {
	return DecayMillis(t.UnixMilli(), now.UnixMilli())
}

// DecayMillis is Decay over Unix millisecond timestamps.
func DecayMillis(t, now int64) float64 {
	days := float64(now-t) / msPerDay
	return math.Exp(-days / DecayDays)
}

// DecayedTo returns r with its score carried forward from the time it was
// computed for to a later time. Linked rows keep the sentinel.
func (r Result) DecayedTo(from, to time.Time) Result {
	if !r.Linked && !from.IsZero() && to.After(from) {
		r.Score *= Decay(from, to)
	}
	return r
}

// RebaseScores decays every row of rs from one reference time to a later
// one, in place. All rows shrink by the same factor, so their order holds.
func RebaseScores(rs []Result, from, to time.Time) {
	if from.IsZero() || !to.After(from) {
		return
	}
	f := Decay(from, to)
	for i := range rs {
		if !rs[i].Linked {
			rs[i].Score *= f
		}
	}
}
