// Package timeseries implements cadence inference, first-wins merge with
// currency-consistency invariants, and timezone-aware resampling —
// grounded on borsa-core::timeseries::{infer,merge,resample} from the
// reference implementation.
package timeseries

import (
	"sort"

	"github.com/sawpanic/borsa/internal/borsatypes"
)

// EstimateStepSeconds extracts strictly-positive adjacent timestamp
// deltas (after sorting, ignoring duplicate timestamps) and returns the
// mode if unique, else the lower median. Returns (0, false) if fewer than
// two distinct timestamps are present.
func EstimateStepSeconds(candles []borsatypes.Candle) (int64, bool) {
	if len(candles) < 2 {
		return 0, false
	}
	sorted := append([]borsatypes.Candle(nil), candles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var deltas []int64
	last := sorted[0].Timestamp
	for _, c := range sorted[1:] {
		d := c.Timestamp.Sub(last)
		if d > 0 {
			deltas = append(deltas, int64(d.Seconds()))
			last = c.Timestamp
		}
	}
	if len(deltas) == 0 {
		return 0, false
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })

	var bestDelta, curDelta int64
	var bestCount, curCount, numBestCandidates int
	curDelta = deltas[0]
	curCount = 1
	bestDelta = deltas[0]

	finalizeRun := func() {
		if curCount > bestCount {
			bestCount = curCount
			bestDelta = curDelta
			numBestCandidates = 1
		} else if curCount == bestCount {
			numBestCandidates++
		}
	}

	for _, d := range deltas[1:] {
		if d == curDelta {
			curCount++
			continue
		}
		finalizeRun()
		curDelta = d
		curCount = 1
	}
	finalizeRun()

	if numBestCandidates == 1 {
		return bestDelta, true
	}

	mid := len(deltas) / 2
	if len(deltas)%2 == 1 {
		return deltas[mid], true
	}
	return deltas[mid-1], true
}

// IsSubdaily reports whether the series shows evidence of sub-daily
// cadence: at least 3 adjacent deltas under 86,400s AND at least 60% of
// all adjacent deltas under 86,400s.
func IsSubdaily(candles []borsatypes.Candle) bool {
	const day = int64(86400)
	if len(candles) < 2 {
		return false
	}
	ts := make([]int64, len(candles))
	for i, c := range candles {
		ts[i] = c.Timestamp.Unix()
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	var deltas []int64
	last := ts[0]
	for _, cur := range ts[1:] {
		d := cur - last
		if d > 0 {
			deltas = append(deltas, d)
			last = cur
		}
	}
	if len(deltas) == 0 {
		return false
	}

	total := len(deltas)
	subdaily := 0
	for _, d := range deltas {
		if d > 0 && d < day {
			subdaily++
		}
	}
	if subdaily < 3 {
		return false
	}
	// subdaily/total >= 3/5  <=>  subdaily*5 >= total*3
	return subdaily*5 >= total*3
}
