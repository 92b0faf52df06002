package borsaerr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryClass_IndividualVariants(t *testing.T) {
	assert.Equal(t, Permanent, (&Unsupported{}).RetryClass())
	assert.Equal(t, Permanent, (&NotFound{}).RetryClass())
	assert.Equal(t, Permanent, (&InvalidArg{}).RetryClass())
	assert.Equal(t, Permanent, (&StrictSymbolsRejected{}).RetryClass())
	assert.Equal(t, Permanent, (&InconsistentCurrencyData{}).RetryClass())
	assert.Equal(t, Permanent, (&InvalidMiddlewareStack{}).RetryClass())

	assert.Equal(t, Transient, (&ProviderTimeout{}).RetryClass())
	assert.Equal(t, Transient, (&RequestTimeout{}).RetryClass())
	assert.Equal(t, Transient, (&AllProvidersTimedOut{}).RetryClass())
	assert.Equal(t, Transient, (&QuotaExceeded{}).RetryClass())
	assert.Equal(t, Transient, (&RateLimitExceeded{}).RetryClass())
	assert.Equal(t, Transient, (&TemporarilyBlacklisted{}).RetryClass())

	assert.Equal(t, Unknown, (&Data{}).RetryClass())
	assert.Equal(t, Unknown, (&Other{}).RetryClass())
	c := &Connector{Name: "x", Inner: &Data{}}
	assert.Equal(t, Unknown, c.RetryClass())
}

func TestAllProvidersFailed_RetryClass(t *testing.T) {
	assert.Equal(t, Permanent, (&AllProvidersFailed{Errors: []Error{&NotFound{}, &ProviderTimeout{}}}).RetryClass())
	assert.Equal(t, Transient, (&AllProvidersFailed{Errors: []Error{&ProviderTimeout{}, &RequestTimeout{}}}).RetryClass())
	assert.Equal(t, Unknown, (&AllProvidersFailed{Errors: []Error{&Data{}, &ProviderTimeout{}}}).RetryClass())
}

func TestIsActionable(t *testing.T) {
	assert.False(t, (&Unsupported{}).IsActionable())
	assert.False(t, (&NotFound{}).IsActionable())
	assert.True(t, (&Data{}).IsActionable())
}

func TestFlatten_CollapsesNestedAggregates(t *testing.T) {
	inner := &AllProvidersFailed{Errors: []Error{&NotFound{What: "a"}, &Data{Message: "b"}}}
	outer := &AllProvidersFailed{Errors: []Error{inner, &ProviderTimeout{Connector: "c"}}}

	flat := Flatten(outer)
	assert.Len(t, flat, 3)
}

func TestFlatten_PassesThroughNonAggregate(t *testing.T) {
	flat := Flatten(&Data{Message: "x"})
	assert.Len(t, flat, 1)
	assert.Equal(t, &Data{Message: "x"}, flat[0])
}

func TestTag_WrapsPlainErrors(t *testing.T) {
	tagged := Tag("yfinance", &Data{Message: "boom"})
	connErr, ok := tagged.(*Connector)
	assert.True(t, ok)
	assert.Equal(t, "yfinance", connErr.Name)
}

func TestTag_LeavesAlreadyTaggedAndSpecialVariantsUnchanged(t *testing.T) {
	already := &Connector{Name: "a", Inner: &Data{Message: "x"}}
	assert.Same(t, already, mustConnector(t, Tag("b", already)))

	nf := &NotFound{What: "AAPL"}
	assert.Equal(t, Error(nf), Tag("b", nf))

	pt := &ProviderTimeout{Connector: "a", Capability: "quote"}
	assert.Equal(t, Error(pt), Tag("b", pt))
}

func mustConnector(t *testing.T, err Error) *Connector {
	t.Helper()
	c, ok := err.(*Connector)
	if !ok {
		t.Fatalf("expected *Connector, got %T", err)
	}
	return c
}
