package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
	"github.com/sawpanic/borsa/internal/connector"
	"github.com/sawpanic/borsa/internal/orchestrator"
)

// fakeHistoryConnector serves a fixed set of candles for whatever interval
// it is asked to emulate, advertising the given native intervals.
type fakeHistoryConnector struct {
	name      string
	native    []borsatypes.Interval
	candles   func(iv borsatypes.Interval) []borsatypes.Candle
	adjusted  bool
	meta      *borsatypes.HistoryMeta
	err       error
	callDelay time.Duration
}

func (f *fakeHistoryConnector) Name() string                                 { return f.name }
func (f *fakeHistoryConnector) SupportsKind(borsatypes.AssetKind) bool       { return true }
func (f *fakeHistoryConnector) SupportedIntervals(borsatypes.AssetKind) []borsatypes.Interval {
	return f.native
}

func (f *fakeHistoryConnector) GetHistory(ctx context.Context, req connector.HistoryRequest) (borsatypes.HistoryResponse, error) {
	if f.callDelay > 0 {
		select {
		case <-time.After(f.callDelay):
		case <-ctx.Done():
			return borsatypes.HistoryResponse{}, ctx.Err()
		}
	}
	if f.err != nil {
		return borsatypes.HistoryResponse{}, f.err
	}
	return borsatypes.HistoryResponse{Candles: f.candles(req.Interval), Adjusted: f.adjusted, Meta: f.meta}, nil
}

var _ connector.HistoryProvider = (*fakeHistoryConnector)(nil)

func usd(amount float64) borsatypes.Money { return borsatypes.Money{Amount: amount, Currency: "USD"} }

func candleAt(sec int64, close float64) borsatypes.Candle {
	return borsatypes.Candle{
		Timestamp: time.Unix(sec, 0).UTC(),
		Open:      usd(close), High: usd(close), Low: usd(close), Close: usd(close),
	}
}

func instFor(symbol string) borsatypes.Instrument {
	return borsatypes.Instrument{Symbol: symbol, Kind: borsatypes.KindEquity}
}

func TestHistoryWithAttribution_SingleProviderPassesThrough(t *testing.T) {
	c := &fakeHistoryConnector{
		name:   "a",
		native: []borsatypes.Interval{borsatypes.IntervalD1},
		candles: func(iv borsatypes.Interval) []borsatypes.Candle {
			return []borsatypes.Candle{candleAt(0, 1), candleAt(86400, 2)}
		},
	}
	bo := orchestrator.NewBuilder().WithConnector(c).Build()
	resp, attr, err := HistoryWithAttribution(context.Background(), bo, instFor("X"), connector.HistoryRequest{Interval: borsatypes.IntervalD1})
	require.NoError(t, err)
	assert.Len(t, resp.Candles, 2)
	require.Len(t, attr.Spans, 1)
	assert.Equal(t, "a", string(attr.Spans[0].Connector))
}

func TestHistoryWithAttribution_PrefersAdjustedAndDropsUnadjustedEvenNonOverlapping(t *testing.T) {
	a := &fakeHistoryConnector{
		name:   "unadjusted",
		native: []borsatypes.Interval{borsatypes.IntervalD1},
		candles: func(borsatypes.Interval) []borsatypes.Candle {
			return []borsatypes.Candle{candleAt(1, 1), candleAt(2, 2), candleAt(3, 3)}
		},
		adjusted: false,
	}
	b := &fakeHistoryConnector{
		name:   "adjusted",
		native: []borsatypes.Interval{borsatypes.IntervalD1},
		candles: func(borsatypes.Interval) []borsatypes.Candle {
			return []borsatypes.Candle{candleAt(1, 11), candleAt(2, 12), candleAt(3, 13)}
		},
		adjusted: true,
	}
	bo := orchestrator.NewBuilder().WithConnector(a).WithConnector(b).PreferAdjustedHistory(true).Build()

	resp, _, err := HistoryWithAttribution(context.Background(), bo, instFor("X"), connector.HistoryRequest{Interval: borsatypes.IntervalD1})
	require.NoError(t, err)
	require.Len(t, resp.Candles, 3)
	for _, c := range resp.Candles {
		switch c.Timestamp.Unix() {
		case 1:
			assert.Equal(t, 11.0, c.Close.Amount)
		case 2:
			assert.Equal(t, 12.0, c.Close.Amount)
		case 3:
			assert.Equal(t, 13.0, c.Close.Amount)
		}
	}
	assert.True(t, resp.Adjusted)
}

func TestHistoryWithAttribution_IntradayResamplesToLargestSupportedDivisor(t *testing.T) {
	c := &fakeHistoryConnector{
		name:   "minute",
		native: []borsatypes.Interval{borsatypes.Interval1m},
		candles: func(borsatypes.Interval) []borsatypes.Candle {
			return []borsatypes.Candle{
				candleAt(0, 1), candleAt(60, 2), candleAt(120, 3), candleAt(180, 4),
			}
		},
		meta: &borsatypes.HistoryMeta{Timezone: "UTC"},
	}
	bo := orchestrator.NewBuilder().WithConnector(c).Build()
	resp, _, err := HistoryWithAttribution(context.Background(), bo, instFor("X"), connector.HistoryRequest{Interval: borsatypes.Interval2m})
	require.NoError(t, err)
	assert.Len(t, resp.Candles, 2)
	for _, cc := range resp.Candles {
		assert.Nil(t, cc.CloseUnadj)
	}
}

func TestHistoryWithAttribution_NoEligibleProviderIsUnsupported(t *testing.T) {
	bo := orchestrator.NewBuilder().Build()
	_, _, err := HistoryWithAttribution(context.Background(), bo, instFor("X"), connector.HistoryRequest{Interval: borsatypes.IntervalD1})
	require.Error(t, err)
	var unsupported *borsaerr.Unsupported
	assert.ErrorAs(t, err, &unsupported)
}

func TestHistoryWithAttribution_AllProvidersEmptyIsNotFound(t *testing.T) {
	c := &fakeHistoryConnector{
		name:    "empty",
		native:  []borsatypes.Interval{borsatypes.IntervalD1},
		candles: func(borsatypes.Interval) []borsatypes.Candle { return nil },
	}
	bo := orchestrator.NewBuilder().WithConnector(c).Build()
	_, _, err := HistoryWithAttribution(context.Background(), bo, instFor("X"), connector.HistoryRequest{Interval: borsatypes.IntervalD1})
	require.Error(t, err)
	var nf *borsaerr.NotFound
	assert.ErrorAs(t, err, &nf)
}

func TestHistoryWithAttribution_FallbackStrategyStopsAtFirstNonEmptySuccess(t *testing.T) {
	first := &fakeHistoryConnector{
		name:    "first",
		native:  []borsatypes.Interval{borsatypes.IntervalD1},
		candles: func(borsatypes.Interval) []borsatypes.Candle { return nil },
	}
	second := &fakeHistoryConnector{
		name:   "second",
		native: []borsatypes.Interval{borsatypes.IntervalD1},
		candles: func(borsatypes.Interval) []borsatypes.Candle {
			return []borsatypes.Candle{candleAt(1, 5)}
		},
	}
	bo := orchestrator.NewBuilder().WithConnector(first).WithConnector(second).WithMergeHistoryStrategy(orchestrator.Fallback).Build()
	resp, _, err := HistoryWithAttribution(context.Background(), bo, instFor("X"), connector.HistoryRequest{Interval: borsatypes.IntervalD1})
	require.NoError(t, err)
	require.Len(t, resp.Candles, 1)
	assert.Equal(t, 5.0, resp.Candles[0].Close.Amount)
}

func TestHistoryWithAttribution_MixedCurrencyBlamesInconsistentProvider(t *testing.T) {
	goodA := &fakeHistoryConnector{
		name:   "goodA",
		native: []borsatypes.Interval{borsatypes.IntervalD1},
		candles: func(borsatypes.Interval) []borsatypes.Candle {
			return []borsatypes.Candle{candleAt(1, 1)}
		},
	}
	goodB := &fakeHistoryConnector{
		name:   "goodB",
		native: []borsatypes.Interval{borsatypes.IntervalD1},
		candles: func(borsatypes.Interval) []borsatypes.Candle {
			return []borsatypes.Candle{candleAt(3, 1)}
		},
	}
	badCandle := borsatypes.Candle{
		Timestamp: time.Unix(2, 0).UTC(),
		Open:      borsatypes.Money{Amount: 1, Currency: "EUR"},
		High:      borsatypes.Money{Amount: 1, Currency: "EUR"},
		Low:       borsatypes.Money{Amount: 1, Currency: "EUR"},
		Close:     borsatypes.Money{Amount: 1, Currency: "EUR"},
	}
	bad := &fakeHistoryConnector{
		name:   "bad",
		native: []borsatypes.Interval{borsatypes.IntervalD1},
		candles: func(borsatypes.Interval) []borsatypes.Candle {
			return []borsatypes.Candle{badCandle}
		},
	}
	bo := orchestrator.NewBuilder().WithConnector(goodA).WithConnector(goodB).WithConnector(bad).Build()
	_, _, err := HistoryWithAttribution(context.Background(), bo, instFor("X"), connector.HistoryRequest{Interval: borsatypes.IntervalD1})
	require.Error(t, err)
	var ce *borsaerr.Connector
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bad", ce.Name)
}

func TestHistoryWithAttribution_AutoResampleSubdailyToDaily(t *testing.T) {
	c := &fakeHistoryConnector{
		name:   "sub",
		native: []borsatypes.Interval{borsatypes.Interval1m},
		candles: func(borsatypes.Interval) []borsatypes.Candle {
			out := make([]borsatypes.Candle, 0, 10)
			for i := int64(0); i < 10; i++ {
				out = append(out, candleAt(i*60, float64(i)))
			}
			return out
		},
		meta: &borsatypes.HistoryMeta{Timezone: "UTC"},
	}
	bo := orchestrator.NewBuilder().WithConnector(c).AutoResampleSubdailyToDaily(true).Build()
	resp, _, err := HistoryWithAttribution(context.Background(), bo, instFor("X"), connector.HistoryRequest{Interval: borsatypes.Interval1m})
	require.NoError(t, err)
	assert.Len(t, resp.Candles, 1)
}
