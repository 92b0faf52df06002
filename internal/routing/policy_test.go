package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/borsa/internal/borsatypes"
)

func TestBuilder_SpecificityPicksMostSetFields(t *testing.T) {
	b := NewBuilder()
	kind := borsatypes.KindEquity
	b.ProvidersForKind(kind, false, "kind-preferred", "fallback")
	symbol := "AAPL"
	b.ProvidersRule(Selector{Symbol: &symbol, Kind: &kind}, false, "symbol-and-kind", "fallback")

	policy := b.Build(map[borsatypes.ConnectorKey]bool{
		"kind-preferred": true, "symbol-and-kind": true, "fallback": true,
	})

	ctx := Context{Symbol: &symbol, Kind: &kind}
	rank, ok := policy.Providers.ProviderRank(ctx, "symbol-and-kind")
	require.True(t, ok)
	assert.Equal(t, 0, rank)
}

func TestBuilder_TiesBrokenByLaterInsertion(t *testing.T) {
	b := NewBuilder()
	kind := borsatypes.KindEquity
	b.ProvidersForKind(kind, false, "first-rule")
	b.ProvidersForKind(kind, false, "second-rule") // same specificity, added later

	policy := b.Build(map[borsatypes.ConnectorKey]bool{"first-rule": true, "second-rule": true})
	rank, ok := policy.Providers.ProviderRank(Context{Kind: &kind}, "second-rule")
	require.True(t, ok)
	assert.Equal(t, 0, rank)
}

func TestBuilder_StrictRuleExcludesUnlistedConnector(t *testing.T) {
	b := NewBuilder()
	symbol := "AAPL"
	b.ProvidersForSymbol(symbol, true, "only-this-one")
	policy := b.Build(map[borsatypes.ConnectorKey]bool{"only-this-one": true, "excluded": true})

	_, ok := policy.Providers.ProviderRank(Context{Symbol: &symbol}, "excluded")
	assert.False(t, ok)

	rank, ok := policy.Providers.ProviderRank(Context{Symbol: &symbol}, "only-this-one")
	assert.True(t, ok)
	assert.Equal(t, 0, rank)
}

func TestBuilder_NonStrictUnlistedConnectorSortsLast(t *testing.T) {
	b := NewBuilder()
	symbol := "AAPL"
	b.ProvidersForSymbol(symbol, false, "ranked")
	policy := b.Build(map[borsatypes.ConnectorKey]bool{"ranked": true, "unranked": true})

	rank, ok := policy.Providers.ProviderRank(Context{Symbol: &symbol}, "unranked")
	assert.True(t, ok)
	assert.Equal(t, MaxRank, rank)
}

func TestBuilder_NoMatchFallsBackToGlobal(t *testing.T) {
	b := NewBuilder()
	b.ProvidersGlobal(false, "global-first")
	policy := b.Build(map[borsatypes.ConnectorKey]bool{"global-first": true})

	rank, ok := policy.Providers.ProviderRank(Context{}, "global-first")
	assert.True(t, ok)
	assert.Equal(t, 0, rank)
}

func TestBuilder_UnknownConnectorKeysDroppedAtBuild(t *testing.T) {
	b := NewBuilder()
	b.ProvidersGlobal(false, "known", "ghost")
	policy := b.Build(map[borsatypes.ConnectorKey]bool{"known": true})

	_, ok := policy.Providers.Global.List.Rank("ghost")
	assert.False(t, ok)
	rank, ok := policy.Providers.Global.List.Rank("known")
	require.True(t, ok)
	assert.Equal(t, 0, rank)
}

func TestPreference_ExchangeSortKey_SymbolBeatsKindBeatsGlobal(t *testing.T) {
	b := NewBuilder()
	kind := borsatypes.KindEquity
	b.ExchangesGlobal("NYSE", "NASDAQ")
	b.ExchangesForKind(kind, "NASDAQ", "NYSE")
	b.ExchangesForSymbol("AAPL", "NYSE", "NASDAQ")
	policy := b.Build(map[borsatypes.ConnectorKey]bool{})

	keyNYSE := policy.Exchanges.ExchangeSortKey("AAPL", &kind, "NYSE", 0)
	keyNASDAQ := policy.Exchanges.ExchangeSortKey("AAPL", &kind, "NASDAQ", 1)
	assert.Less(t, keyNYSE[0], keyNASDAQ[0])
}

func TestPreference_AbsentExchangeSortsLast(t *testing.T) {
	b := NewBuilder()
	b.ExchangesGlobal("NYSE")
	policy := b.Build(map[borsatypes.ConnectorKey]bool{})

	keyNamed := policy.Exchanges.ExchangeSortKey("AAPL", nil, "NYSE", 0)
	keyAbsent := policy.Exchanges.ExchangeSortKey("AAPL", nil, "", 1)
	assert.Less(t, keyNamed[1], keyAbsent[1])
}
