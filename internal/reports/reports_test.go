package reports

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
	"github.com/sawpanic/borsa/internal/routing"
)

type fakeFull struct {
	name        string
	quote       *connector.Quote
	quoteErr    error
	profile     *connector.Profile
	profileErr  error
	isin        string
	isinErr     error
	searchRes   []connector.SearchResult
	searchErr   error
}

func (f *fakeFull) Name() string                               { return f.name }
func (f *fakeFull) SupportsKind(borsatypes.AssetKind) bool      { return true }
func (f *fakeFull) GetQuote(ctx context.Context, inst borsatypes.Instrument) (connector.Quote, error) {
	if f.quoteErr != nil {
		return connector.Quote{}, f.quoteErr
	}
	return *f.quote, nil
}
func (f *fakeFull) GetProfile(ctx context.Context, inst borsatypes.Instrument) (connector.Profile, error) {
	if f.profileErr != nil {
		return connector.Profile{}, f.profileErr
	}
	return *f.profile, nil
}
func (f *fakeFull) GetIsin(ctx context.Context, inst borsatypes.Instrument) (string, error) {
	if f.isinErr != nil {
		return "", f.isinErr
	}
	return f.isin, nil
}
func (f *fakeFull) Search(ctx context.Context, query string, kind *borsatypes.AssetKind, limit int) ([]connector.SearchResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchRes, nil
}

var (
	_ connector.QuoteProvider   = (*fakeFull)(nil)
	_ connector.ProfileProvider = (*fakeFull)(nil)
	_ connector.IsinProvider    = (*fakeFull)(nil)
	_ connector.SearchProvider  = (*fakeFull)(nil)
)

func f64(v float64) *float64 { return &v }

func eqInst(symbol string) borsatypes.Instrument {
	return borsatypes.Instrument{Symbol: symbol, Kind: borsatypes.KindEquity}
}

func TestGetInfo_QuoteWinsPriceProfileWinsText(t *testing.T) {
	c := &fakeFull{
		name:    "a",
		quote:   &connector.Quote{Price: f64(150), Currency: "USD", MarketState: "REGULAR"},
		profile: &connector.Profile{LongName: "Apple Inc.", Description: "maker of phones", Isin: "US0378331005"},
		isin:    "",
		isinErr: &borsaerr.Unsupported{Capability: "isin"},
	}
	bo := orchestrator.NewBuilder().WithConnector(c).Build()

	report, err := GetInfo(context.Background(), bo, eqInst("AAPL"))
	require.NoError(t, err)
	require.NotNil(t, report.Info)
	assert.Equal(t, 150.0, *report.Info.Price)
	assert.Equal(t, "Apple Inc.", report.Info.LongName)
	assert.Equal(t, "US0378331005", report.Info.Isin)
	assert.Empty(t, report.Warnings, "Unsupported isin must not surface as a warning")
}

func TestGetInfo_ExplicitIsinWinsOverProfile(t *testing.T) {
	c := &fakeFull{
		name:    "a",
		quote:   &connector.Quote{Price: f64(1)},
		profile: &connector.Profile{Isin: "FROM-PROFILE"},
		isin:    "FROM-ISIN-PROVIDER",
	}
	bo := orchestrator.NewBuilder().WithConnector(c).Build()
	report, err := GetInfo(context.Background(), bo, eqInst("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, "FROM-ISIN-PROVIDER", report.Info.Isin)
}

func TestGetInfo_ActionableSubcallErrorSurfacesAsWarning(t *testing.T) {
	c := &fakeFull{
		name:     "a",
		quote:    &connector.Quote{Price: f64(1)},
		profile:  &connector.Profile{},
		isinErr:  &borsaerr.Data{Message: "isin lookup malformed"},
	}
	bo := orchestrator.NewBuilder().WithConnector(c).Build()
	report, err := GetInfo(context.Background(), bo, eqInst("AAPL"))
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "data issue: isin lookup malformed", report.Warnings[0].Error())
}

func TestFastInfo_FallsBackToPreviousCloseWhenPriceAbsent(t *testing.T) {
	c := &fakeFull{name: "a", quote: &connector.Quote{PreviousClose: f64(42)}}
	bo := orchestrator.NewBuilder().WithConnector(c).Build()
	price, err := FastInfo(context.Background(), bo, eqInst("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, 42.0, price)
}

func TestFastInfo_FailsWhenNeitherPriceNorPreviousClosePresent(t *testing.T) {
	c := &fakeFull{name: "a", quote: &connector.Quote{}}
	bo := orchestrator.NewBuilder().WithConnector(c).Build()
	_, err := FastInfo(context.Background(), bo, eqInst("AAPL"))
	require.Error(t, err)
	var de *borsaerr.Data
	assert.ErrorAs(t, err, &de)
}

func TestSearch_DedupPrefersBestRankedExchange(t *testing.T) {
	c1 := &fakeFull{name: "a", searchRes: []connector.SearchResult{{Symbol: "AAPL", Exchange: "NASDAQ", Name: "Apple"}}}
	c2 := &fakeFull{name: "b", searchRes: []connector.SearchResult{{Symbol: "AAPL", Exchange: "FRA", Name: "Apple (Frankfurt)"}}}

	policy := routing.NewBuilder().ExchangesGlobal("NASDAQ", "FRA").Build(map[borsatypes.ConnectorKey]bool{"a": true, "b": true})
	bo := orchestrator.NewBuilder().WithConnector(c1).WithConnector(c2).WithRoutingPolicy(policy).Build()

	report, err := Search(context.Background(), bo, "apple", nil, 10)
	require.NoError(t, err)
	require.Len(t, report.Response, 1)
	assert.Equal(t, "NASDAQ", report.Response[0].Exchange)
}

func TestSearch_TruncatesToLimit(t *testing.T) {
	c := &fakeFull{name: "a", searchRes: []connector.SearchResult{
		{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"},
	}}
	bo := orchestrator.NewBuilder().WithConnector(c).Build()
	report, err := Search(context.Background(), bo, "x", nil, 2)
	require.NoError(t, err)
	assert.Len(t, report.Response, 2)
}

func TestSearch_AllProvidersFailedWhenNoResultsAndActionableErrors(t *testing.T) {
	c := &fakeFull{name: "a", searchErr: &borsaerr.Data{Message: "boom"}}
	bo := orchestrator.NewBuilder().WithConnector(c).Build()
	_, err := Search(context.Background(), bo, "x", nil, 10)
	require.Error(t, err)
	var apf *borsaerr.AllProvidersFailed
	assert.ErrorAs(t, err, &apf)
}

func TestDownload_RejectsEmptyList(t *testing.T) {
	bo := orchestrator.NewBuilder().Build()
	_, err := Download(context.Background(), bo, nil, connector.HistoryRequest{Interval: borsatypes.IntervalD1}, 0)
	require.Error(t, err)
	var ia *borsaerr.InvalidArg
	assert.ErrorAs(t, err, &ia)
}

func TestDownload_RejectsDuplicateSymbol(t *testing.T) {
	bo := orchestrator.NewBuilder().Build()
	insts := []borsatypes.Instrument{eqInst("AAPL"), eqInst("AAPL")}
	_, err := Download(context.Background(), bo, insts, connector.HistoryRequest{Interval: borsatypes.IntervalD1}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate symbol 'AAPL'")
}

func TestDownload_UnsupportedHistoryYieldsNoEntriesAndNoWarnings(t *testing.T) {
	bo := orchestrator.NewBuilder().Build() // no history-capable connectors; HistoryWithAttribution fails fast
	insts := []borsatypes.Instrument{eqInst("AAPL")}
	// The providers list is empty, so history fails immediately with
	// Unsupported well inside the one-second deadline; this exercises the
	// warnings-collection path, not the timeout path.
	report, err := Download(context.Background(), bo, insts, connector.HistoryRequest{Interval: borsatypes.IntervalD1}, time.Second)
	require.NoError(t, err)
	assert.Empty(t, report.Entries)
	assert.Empty(t, report.Warnings, "Unsupported is never reported as a warning")
}
