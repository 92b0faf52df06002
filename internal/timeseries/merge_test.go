package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
)

func money(amount float64, currency string) borsatypes.Money {
	return borsatypes.Money{Amount: amount, Currency: currency}
}

func closeCandle(sec int64, close float64, currency string) borsatypes.Candle {
	unadj := money(close, currency)
	return borsatypes.Candle{
		Timestamp:  time.Unix(sec, 0).UTC(),
		Open:       money(close, currency),
		High:       money(close, currency),
		Low:        money(close, currency),
		Close:      money(close, currency),
		CloseUnadj: &unadj,
	}
}

func TestMergeHistory_DisjointTimestampsConcatenateSorted(t *testing.T) {
	a := borsatypes.HistoryResponse{Candles: []borsatypes.Candle{closeCandle(300, 3, "USD")}}
	b := borsatypes.HistoryResponse{Candles: []borsatypes.Candle{closeCandle(100, 1, "USD"), closeCandle(200, 2, "USD")}}

	merged, err := MergeHistory([]borsatypes.HistoryResponse{a, b})
	require.NoError(t, err)
	require.Len(t, merged.Candles, 3)
	assert.Equal(t, int64(100), merged.Candles[0].Timestamp.Unix())
	assert.Equal(t, int64(200), merged.Candles[1].Timestamp.Unix())
	assert.Equal(t, int64(300), merged.Candles[2].Timestamp.Unix())
	for _, c := range merged.Candles {
		assert.Nil(t, c.CloseUnadj)
	}
}

func TestMergeHistory_OverlapFirstWins(t *testing.T) {
	first := borsatypes.HistoryResponse{Candles: []borsatypes.Candle{closeCandle(100, 1, "USD"), closeCandle(200, 2, "USD")}}
	second := borsatypes.HistoryResponse{Candles: []borsatypes.Candle{closeCandle(200, 99, "USD"), closeCandle(300, 3, "USD")}}

	merged, err := MergeHistory([]borsatypes.HistoryResponse{first, second})
	require.NoError(t, err)
	require.Len(t, merged.Candles, 3)
	assert.Equal(t, 2.0, merged.Candles[1].Close.Amount)
}

func TestMergeHistory_AdjustedIffEveryContributorAdjusted(t *testing.T) {
	adjusted := borsatypes.HistoryResponse{Candles: []borsatypes.Candle{closeCandle(100, 1, "USD")}, Adjusted: true}
	unadjusted := borsatypes.HistoryResponse{Candles: []borsatypes.Candle{closeCandle(200, 2, "USD")}, Adjusted: false}

	merged, err := MergeHistory([]borsatypes.HistoryResponse{adjusted, unadjusted})
	require.NoError(t, err)
	assert.False(t, merged.Adjusted)

	mergedBoth, err := MergeHistory([]borsatypes.HistoryResponse{adjusted, adjusted})
	require.NoError(t, err)
	assert.True(t, mergedBoth.Adjusted)
}

func TestMergeHistory_MixedCurrencyFails(t *testing.T) {
	usd := borsatypes.HistoryResponse{Candles: []borsatypes.Candle{closeCandle(100, 1, "USD")}}
	eur := borsatypes.HistoryResponse{Candles: []borsatypes.Candle{closeCandle(200, 2, "EUR")}}

	_, err := MergeHistory([]borsatypes.HistoryResponse{usd, eur})
	require.Error(t, err)
	var dataErr *borsaerr.Data
	assert.ErrorAs(t, err, &dataErr)
}

func TestMergeHistory_IntraCandleCurrencyMismatchFails(t *testing.T) {
	bad := borsatypes.Candle{
		Timestamp: time.Unix(100, 0).UTC(),
		Open:      money(1, "USD"),
		High:      money(1, "EUR"),
		Low:       money(1, "USD"),
		Close:     money(1, "USD"),
	}
	_, err := MergeHistory([]borsatypes.HistoryResponse{{Candles: []borsatypes.Candle{bad}}})
	require.Error(t, err)
}

func TestMergeHistory_MetaFallsBackOnlyWhenNothingContributed(t *testing.T) {
	emptyWithMeta := borsatypes.HistoryResponse{Meta: &borsatypes.HistoryMeta{Timezone: "America/New_York"}}
	merged, err := MergeHistory([]borsatypes.HistoryResponse{emptyWithMeta})
	require.NoError(t, err)
	require.NotNil(t, merged.Meta)
	assert.Equal(t, "America/New_York", merged.Meta.Timezone)
}

func TestMergeHistory_ActionsDedupedByFullIdentity(t *testing.T) {
	ts := time.Unix(500, 0).UTC()
	div := borsatypes.Action{Kind: borsatypes.ActionDividend, Timestamp: ts, Amount: money(1.5, "USD")}
	resp1 := borsatypes.HistoryResponse{Actions: []borsatypes.Action{div}}
	resp2 := borsatypes.HistoryResponse{Actions: []borsatypes.Action{div}}

	merged, err := MergeHistory([]borsatypes.HistoryResponse{resp1, resp2})
	require.NoError(t, err)
	assert.Len(t, merged.Actions, 1)
}
