package timeseries

import (
	"sort"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
)

// mixedCurrencyErr is the shared Data error both merge functions raise —
// the reference distinguishes wording slightly between merge_history and
// merge_candles_by_priority; we keep one message since callers already
// know which call produced it.
func mixedCurrencyErr() borsaerr.Error {
	return &borsaerr.Data{Message: "mixed-currency history"}
}

// MergeHistory merges history responses in priority order (first highest).
// Candles are keyed by timestamp with first-wins semantics; every output
// candle loses its CloseUnadj; adjusted is true only if every contributing
// source (one that inserted at least one candle) is adjusted; meta is the
// first non-nil meta among contributing sources, falling back to the first
// non-nil meta among all inputs only when no source contributed candles.
func MergeHistory(responses []borsatypes.HistoryResponse) (borsatypes.HistoryResponse, error) {
	candleMap := make(map[int64]borsatypes.Candle)
	var order []int64

	var adjustedAllSet bool
	adjustedAll := true
	var firstContribAdjustedSet bool
	var firstContribAdjusted bool
	var meta *borsatypes.HistoryMeta
	var fallbackMeta *borsatypes.HistoryMeta
	var actions []borsatypes.Action
	var seriesCurrency string
	haveSeriesCurrency := false

	for _, r := range responses {
		if fallbackMeta == nil && r.Meta != nil {
			fallbackMeta = r.Meta
		}
		contributed := false
		for _, c := range r.Candles {
			ts := c.Timestamp.Unix()
			if _, exists := candleMap[ts]; exists {
				continue
			}
			if !c.currenciesConsistent() {
				return borsatypes.HistoryResponse{}, mixedCurrencyErr()
			}
			if haveSeriesCurrency {
				if seriesCurrency != c.Open.Currency {
					return borsatypes.HistoryResponse{}, mixedCurrencyErr()
				}
			} else {
				seriesCurrency = c.Open.Currency
				haveSeriesCurrency = true
			}
			candleMap[ts] = c
			order = append(order, ts)
			contributed = true
		}
		if contributed {
			adjustedAll = adjustedAll && r.Adjusted
			adjustedAllSet = true
			if !firstContribAdjustedSet {
				firstContribAdjusted = r.Adjusted
				firstContribAdjustedSet = true
			}
			if meta == nil && r.Meta != nil {
				meta = r.Meta
			}
		}
		actions = append(actions, r.Actions...)
	}

	emptySeries := len(candleMap) == 0
	if meta == nil && emptySeries {
		meta = fallbackMeta
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	candles := make([]borsatypes.Candle, 0, len(order))
	for _, ts := range order {
		c := candleMap[ts]
		c.CloseUnadj = nil
		candles = append(candles, c)
	}

	adjusted := false
	if firstContribAdjustedSet && adjustedAllSet {
		adjusted = firstContribAdjusted && adjustedAll
	}

	return borsatypes.HistoryResponse{
		Candles:  candles,
		Actions:  dedupActions(actions),
		Adjusted: adjusted,
		Meta:     meta,
	}, nil
}

// MergeCandlesByPriority merges only candle slices (no actions/meta/
// adjusted bookkeeping), first series has highest priority.
func MergeCandlesByPriority(series [][]borsatypes.Candle) ([]borsatypes.Candle, error) {
	candleMap := make(map[int64]borsatypes.Candle)
	var order []int64
	var seriesCurrency string
	haveSeriesCurrency := false

	for _, s := range series {
		for _, c := range s {
			if !c.currenciesConsistent() {
				return nil, mixedCurrencyErr()
			}
			if haveSeriesCurrency {
				if seriesCurrency != c.Open.Currency {
					return nil, mixedCurrencyErr()
				}
			} else if len(candleMap) == 0 {
				seriesCurrency = c.Open.Currency
				haveSeriesCurrency = true
			}
			ts := c.Timestamp.Unix()
			if _, exists := candleMap[ts]; exists {
				continue
			}
			c.CloseUnadj = nil
			candleMap[ts] = c
			order = append(order, ts)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]borsatypes.Candle, 0, len(order))
	for _, ts := range order {
		out = append(out, candleMap[ts])
	}
	return out, nil
}

// actionIdentity returns a comparable key capturing an action's full
// identity (kind, timestamp, payload), used for de-duplication.
type actionIdentity struct {
	kind        borsatypes.ActionKind
	ts          int64
	amount      float64
	currency    string
	numerator   int64
	denominator int64
}

func identityOf(a borsatypes.Action) actionIdentity {
	switch a.Kind {
	case borsatypes.ActionDividend:
		return actionIdentity{kind: a.Kind, ts: a.Timestamp.Unix(), amount: a.Amount.Amount, currency: a.Amount.Currency}
	case borsatypes.ActionSplit:
		return actionIdentity{kind: a.Kind, ts: a.Timestamp.Unix(), numerator: a.Numerator, denominator: a.Denominator}
	default: // ActionCapitalGain
		return actionIdentity{kind: a.Kind, ts: a.Timestamp.Unix(), amount: a.Gain.Amount, currency: a.Gain.Currency}
	}
}

// dedupActions sorts by (timestamp, kind, payload) then removes later
// duplicates sharing full identity, matching dedup_actions/hash_action.
func dedupActions(actions []borsatypes.Action) []borsatypes.Action {
	sorted := append([]borsatypes.Action(nil), actions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		ai, bi := identityOf(a), identityOf(b)
		if ai.amount != bi.amount {
			return ai.amount < bi.amount
		}
		if ai.numerator != bi.numerator {
			return ai.numerator < bi.numerator
		}
		return ai.denominator < bi.denominator
	})

	seen := make(map[actionIdentity]bool)
	out := make([]borsatypes.Action, 0, len(sorted))
	for _, a := range sorted {
		id := identityOf(a)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, a)
	}
	return out
}
