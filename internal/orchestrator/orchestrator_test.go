package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
	"github.com/sawpanic/borsa/internal/connector"
)

// fakeConnector is a minimal quote-only connector for exercising the
// orchestrator's fetch strategies and ordering independent of any real
// provider adapter.
type fakeConnector struct {
	name  string
	kinds map[borsatypes.AssetKind]bool
	delay time.Duration
	price float64
	err   error
}

func (f *fakeConnector) Name() string { return f.name }
func (f *fakeConnector) SupportsKind(k borsatypes.AssetKind) bool {
	if f.kinds == nil {
		return true
	}
	return f.kinds[k]
}

func (f *fakeConnector) GetQuote(ctx context.Context, inst borsatypes.Instrument) (connector.Quote, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return connector.Quote{}, ctx.Err()
		}
	}
	if f.err != nil {
		return connector.Quote{}, f.err
	}
	p := f.price
	return connector.Quote{Symbol: inst.Symbol, Price: &p}, nil
}

var _ connector.QuoteProvider = (*fakeConnector)(nil)

func quoteCall() Call[connector.Quote] {
	return func(c connector.Connector, inst borsatypes.Instrument) func(context.Context) (connector.Quote, error) {
		qp, ok := connector.AsQuoteProvider(c)
		if !ok {
			return nil
		}
		return func(ctx context.Context) (connector.Quote, error) { return qp.GetQuote(ctx, inst) }
	}
}

func inst(symbol string) borsatypes.Instrument {
	return borsatypes.Instrument{Symbol: symbol, Kind: borsatypes.KindEquity}
}

func TestFetchSingle_PriorityWithFallback_ReturnsFirstOrderedSuccess(t *testing.T) {
	c1 := &fakeConnector{name: "first", price: 10}
	c2 := &fakeConnector{name: "second", price: 99}
	c3 := &fakeConnector{name: "third", price: 50}

	bo := NewBuilder().
		WithConnector(c1).WithConnector(c2).WithConnector(c3).
		PreferSymbol("AAPL", []borsatypes.ConnectorKey{"second", "first", "third"}).
		Build()

	q, err := FetchSingle[connector.Quote](context.Background(), bo, inst("AAPL"), "quote", "quote", quoteCall())
	require.NoError(t, err)
	assert.Equal(t, 99.0, *q.Price)
}

func TestFetchSingle_SkipsNotFoundAndFallsThrough(t *testing.T) {
	c1 := &fakeConnector{name: "a", err: &borsaerr.NotFound{What: "quote for X"}}
	c2 := &fakeConnector{name: "b", price: 7}
	bo := NewBuilder().WithConnector(c1).WithConnector(c2).Build()

	q, err := FetchSingle[connector.Quote](context.Background(), bo, inst("X"), "quote", "quote", quoteCall())
	require.NoError(t, err)
	assert.Equal(t, 7.0, *q.Price)
}

func TestFetchSingle_AllNotFoundYieldsNotFound(t *testing.T) {
	c1 := &fakeConnector{name: "a", err: &borsaerr.NotFound{What: "x"}}
	c2 := &fakeConnector{name: "b", err: &borsaerr.NotFound{What: "y"}}
	bo := NewBuilder().WithConnector(c1).WithConnector(c2).Build()

	_, err := FetchSingle[connector.Quote](context.Background(), bo, inst("X"), "quote", "quote", quoteCall())
	require.Error(t, err)
	var nf *borsaerr.NotFound
	assert.ErrorAs(t, err, &nf)
}

func TestFetchSingle_AllTimeoutYieldsAllProvidersTimedOut(t *testing.T) {
	c1 := &fakeConnector{name: "a", delay: 50 * time.Millisecond}
	c2 := &fakeConnector{name: "b", delay: 50 * time.Millisecond}
	bo := NewBuilder().WithConnector(c1).WithConnector(c2).WithProviderTimeout(5 * time.Millisecond).Build()

	_, err := FetchSingle[connector.Quote](context.Background(), bo, inst("X"), "quote", "quote", quoteCall())
	require.Error(t, err)
	var allTO *borsaerr.AllProvidersTimedOut
	assert.ErrorAs(t, err, &allTO)
}

func TestFetchSingle_NoEligibleProviderIsUnsupported(t *testing.T) {
	bo := NewBuilder().Build()
	_, err := FetchSingle[connector.Quote](context.Background(), bo, inst("X"), "quote", "quote", quoteCall())
	require.Error(t, err)
	var unsupported *borsaerr.Unsupported
	assert.ErrorAs(t, err, &unsupported)
}

func TestFetchSingle_Latency_ReturnsFirstSuccessRegardlessOfOrder(t *testing.T) {
	slow := &fakeConnector{name: "slow", price: 1, delay: 30 * time.Millisecond}
	fast := &fakeConnector{name: "fast", price: 2, delay: 1 * time.Millisecond}

	bo := NewBuilder().WithConnector(slow).WithConnector(fast).WithFetchStrategy(Latency).Build()
	q, err := FetchSingle[connector.Quote](context.Background(), bo, inst("X"), "quote", "quote", quoteCall())
	require.NoError(t, err)
	assert.Equal(t, 2.0, *q.Price)
}

func TestOrdered_FallsBackToRegistrationOrder(t *testing.T) {
	c1 := &fakeConnector{name: "a"}
	c2 := &fakeConnector{name: "b"}
	bo := NewBuilder().WithConnector(c1).WithConnector(c2).Build()
	ordered := bo.Ordered(inst("unconfigured"))
	require.Len(t, ordered, 2)
	assert.Equal(t, "a", ordered[0].Name())
	assert.Equal(t, "b", ordered[1].Name())
}

func TestBuild_FiltersUnknownConnectorNamesFromPriorityLists(t *testing.T) {
	c1 := &fakeConnector{name: "known"}
	bo := NewBuilder().WithConnector(c1).
		PreferSymbol("X", []borsatypes.ConnectorKey{"ghost", "known", "known"}).
		Build()
	assert.Equal(t, []borsatypes.ConnectorKey{"known"}, bo.Config().PerSymbolPriority["X"])
}
