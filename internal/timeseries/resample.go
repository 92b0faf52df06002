package timeseries

import (
	"sort"
	"time"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
)

// Bucket is a function from a timestamp to the start of the bucket it
// belongs to, expressed as a UTC instant.
type Bucket func(time.Time) time.Time

// localContext resolves, for a given meta, how to compute local-time
// bucket boundaries: an IANA location when Timezone is set (true DST
// handling via the standard library's time.Date normalization), a fixed
// offset when only UTCOffsetSeconds is set (pure arithmetic, no DST —
// mirrors the reference's bucket_*_with_offset family), or UTC.
type localContext struct {
	loc        *time.Location
	fixedOffsetSec int
	useFixed   bool
}

func resolveLocalContext(meta *borsatypes.HistoryMeta) localContext {
	if meta != nil && meta.Timezone != "" {
		if loc, err := time.LoadLocation(meta.Timezone); err == nil {
			return localContext{loc: loc}
		}
	}
	if meta != nil && meta.UTCOffsetSeconds != nil {
		return localContext{fixedOffsetSec: *meta.UTCOffsetSeconds, useFixed: true}
	}
	return localContext{loc: time.UTC}
}

func (lc localContext) dayBucket(ts time.Time) time.Time {
	if lc.useFixed {
		shifted := ts.Add(time.Duration(lc.fixedOffsetSec) * time.Second)
		y, m, d := shifted.UTC().Date()
		localMidnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return localMidnight.Add(-time.Duration(lc.fixedOffsetSec) * time.Second)
	}
	local := ts.In(lc.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, lc.loc)
}

func (lc localContext) weekBucket(ts time.Time) time.Time {
	day := lc.dayBucket(ts)
	// Monday-start week: Go's Weekday has Sunday=0, so offset back to Monday.
	var weekday time.Weekday
	if lc.useFixed {
		weekday = day.Add(time.Duration(lc.fixedOffsetSec) * time.Second).UTC().Weekday()
	} else {
		weekday = day.In(lc.loc).Weekday()
	}
	daysSinceMonday := (int(weekday) + 6) % 7
	if lc.useFixed {
		return day.Add(-time.Duration(daysSinceMonday) * 24 * time.Hour)
	}
	y, m, d := day.In(lc.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, lc.loc).Add(-time.Duration(daysSinceMonday) * 24 * time.Hour)
}

func (lc localContext) minutesBucket(ts time.Time, m int) time.Time {
	midnight := lc.dayBucket(ts)
	windowSec := m * 60
	if lc.useFixed {
		elapsed := int(ts.Sub(midnight).Seconds())
		idx := elapsed / windowSec
		return midnight.Add(time.Duration(idx*windowSec) * time.Second)
	}
	// tz-aware path: compute minutes since local midnight directly from
	// the local wall clock, then reconstruct via time.Date so that
	// DST transitions within the day are respected the way the
	// standard library resolves them (a documented simplification of
	// the reference's offset-matching disambiguation — see DESIGN.md).
	local := ts.In(lc.loc)
	secondsSinceMidnight := local.Hour()*3600 + local.Minute()*60 + local.Second()
	idx := secondsSinceMidnight / windowSec
	y, mo, d := local.Date()
	bucketStart := time.Date(y, mo, d, 0, 0, 0, 0, lc.loc).Add(time.Duration(idx*windowSec) * time.Second)

	// Detect spring-forward non-existence / fall-back ambiguity: if
	// reconstructing bucketStart and reading its local wall-clock back
	// doesn't match, or if it silently landed on a different offset than
	// the input instant, fall back to a plain UTC bucket to avoid
	// producing a bucket that doesn't correspond to the requested local
	// time at all.
	_, inOffset := ts.In(lc.loc).Zone()
	_, outOffset := bucketStart.Zone()
	if inOffset != outOffset {
		utcMidnight := time.Date(ts.UTC().Year(), ts.UTC().Month(), ts.UTC().Day(), 0, 0, 0, 0, time.UTC)
		elapsed := int(ts.UTC().Sub(utcMidnight).Seconds())
		idx := elapsed / windowSec
		return utcMidnight.Add(time.Duration(idx*windowSec) * time.Second)
	}
	return bucketStart
}

// DailyBucket, WeeklyBucket, MinutesBucket build Bucket funcs honoring
// meta's timezone/offset, per §4.3.4.
func DailyBucket(meta *borsatypes.HistoryMeta) Bucket {
	lc := resolveLocalContext(meta)
	return lc.dayBucket
}

func WeeklyBucket(meta *borsatypes.HistoryMeta) Bucket {
	lc := resolveLocalContext(meta)
	return lc.weekBucket
}

func MinutesBucket(meta *borsatypes.HistoryMeta, minutes int) Bucket {
	lc := resolveLocalContext(meta)
	return func(ts time.Time) time.Time { return lc.minutesBucket(ts, minutes) }
}

// ResampleBy groups candles into buckets and aggregates: open=earliest's
// open, high=max, low=min, close=latest's close, volume=sum (nil if none
// present). Currency consistency is enforced per-bucket and series-wide.
func ResampleBy(candles []borsatypes.Candle, bucketOf Bucket) ([]borsatypes.Candle, error) {
	if len(candles) == 0 {
		return nil, nil
	}
	sorted := append([]borsatypes.Candle(nil), candles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	type acc struct {
		bucketTs     time.Time
		open, close_ borsatypes.Candle
		high, low    float64
		haveVolume   bool
		volume       int64
		currency     string
	}

	order := make([]time.Time, 0)
	buckets := make(map[int64]*acc)
	var seriesCurrency string
	haveSeriesCurrency := false

	for _, c := range sorted {
		if !c.currenciesConsistent() {
			return nil, &borsaerr.Data{Message: "mixed-currency resample"}
		}
		if haveSeriesCurrency {
			if seriesCurrency != c.Open.Currency {
				return nil, &borsaerr.Data{Message: "mixed-currency resample"}
			}
		} else {
			seriesCurrency = c.Open.Currency
			haveSeriesCurrency = true
		}

		bts := bucketOf(c.Timestamp)
		key := bts.Unix()
		a, exists := buckets[key]
		if !exists {
			a = &acc{bucketTs: bts, open: c, close_: c, high: c.High.Amount, low: c.Low.Amount, currency: c.Open.Currency}
			buckets[key] = a
			order = append(order, bts)
		} else {
			if c.High.Amount > a.high {
				a.high = c.High.Amount
			}
			if c.Low.Amount < a.low {
				a.low = c.Low.Amount
			}
			a.close_ = c
		}
		if c.Volume != nil {
			a.haveVolume = true
			a.volume += *c.Volume
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i].Before(order[j]) })
	out := make([]borsatypes.Candle, 0, len(order))
	for _, bts := range order {
		a := buckets[bts.Unix()]
		candle := borsatypes.Candle{
			Timestamp: bts,
			Open:      a.open.Open,
			High:      borsatypes.Money{Amount: a.high, Currency: a.currency},
			Low:       borsatypes.Money{Amount: a.low, Currency: a.currency},
			Close:     a.close_.Close,
		}
		if a.haveVolume {
			v := a.volume
			candle.Volume = &v
		}
		out = append(out, candle)
	}
	return out, nil
}

// ResampleToDaily, ResampleToWeekly, ResampleToMinutes are the public
// entry points used by the history router's per-provider resample plans.
func ResampleToDaily(candles []borsatypes.Candle, meta *borsatypes.HistoryMeta) ([]borsatypes.Candle, error) {
	return ResampleBy(candles, DailyBucket(meta))
}

func ResampleToWeekly(candles []borsatypes.Candle, meta *borsatypes.HistoryMeta) ([]borsatypes.Candle, error) {
	return ResampleBy(candles, WeeklyBucket(meta))
}

func ResampleToMinutes(candles []borsatypes.Candle, meta *borsatypes.HistoryMeta, minutes int) ([]borsatypes.Candle, error) {
	return ResampleBy(candles, MinutesBucket(meta, minutes))
}
