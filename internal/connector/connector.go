// Package connector defines the capability-dispatch contract every data
// provider implements: a stable Connector identity plus a set of optional
// per-capability interfaces, discovered via type assertion rather than
// inheritance — the Go rendering of borsa-core::connector's accessor-method
// pattern (as_history_provider, as_quote_provider, ...).
package connector

import (
	"context"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
)

// Connector is the base capability every provider implements: a stable
// name and an asset-kind eligibility check. Everything else is discovered
// by asserting the concrete value against one of the capability
// interfaces below.
type Connector interface {
	Name() string
	SupportsKind(kind borsatypes.AssetKind) bool
}

// Quote, Profile, Isin, ... mirror the ~23 capability roles enumerated in
// §3. Only the handful this repository actually exercises (quote,
// history, profile, isin, search, streaming) get full
// interfaces; the remainder are represented structurally the same way and
// can be added without touching existing connectors, which is the entire
// point of capability dispatch over inheritance.

type Quote struct {
	Symbol        string
	Price         *float64
	PreviousClose *float64
	Currency      string
	MarketState   string
}

type Profile struct {
	Symbol      string
	LongName    string
	Description string
	Isin        string
}

type QuoteProvider interface {
	GetQuote(ctx context.Context, inst borsatypes.Instrument) (Quote, error)
}

type ProfileProvider interface {
	GetProfile(ctx context.Context, inst borsatypes.Instrument) (Profile, error)
}

type IsinProvider interface {
	GetIsin(ctx context.Context, inst borsatypes.Instrument) (string, error)
}

// HistoryRequest and HistoryProvider back the history router in
// internal/history.
type HistoryRequest struct {
	Instrument     borsatypes.Instrument
	Interval       borsatypes.Interval
	RangeStartSec  *int64
	RangeEndSec    *int64
	IncludePrepost bool
	IncludeActions bool
	AutoAdjust     bool
}

type HistoryProvider interface {
	// SupportedIntervals lists the intervals this provider can serve
	// natively, for the given asset kind.
	SupportedIntervals(kind borsatypes.AssetKind) []borsatypes.Interval
	GetHistory(ctx context.Context, req HistoryRequest) (borsatypes.HistoryResponse, error)
}

type SearchResult struct {
	Symbol   string
	Exchange string
	Name     string
}

type SearchProvider interface {
	Search(ctx context.Context, query string, kind *borsatypes.AssetKind, limit int) ([]SearchResult, error)
}

// StreamUpdate is a single streamed quote tick.
type StreamUpdate struct {
	Symbol    string
	Timestamp int64 // unix seconds
	Price     float64
}

// StreamQuotesProvider is the capability the streaming supervisor
// discovers via type assertion. StartStream returns a channel of updates
// restricted to symbols (best-effort; the provider may send updates for
// any symbol it streams and the session filters), and a stop func the
// supervisor calls to tear the session down.
type StreamQuotesProvider interface {
	StartStream(ctx context.Context, symbols []string) (<-chan StreamUpdate, func(), error)
}

// Capability names the optional roles a CapabilityReporter can be asked
// about. A middleware wrapper that must implement every capability method
// uniformly (to apply the same cross-cutting guard to each) still needs its
// As*Provider visibility to mirror whatever its wrapped connector actually
// supports, rather than the wrapper's own always-present method set; that's
// what CapabilityReporter lets it declare.
type Capability string

const (
	CapQuote   Capability = "quote"
	CapProfile Capability = "profile"
	CapIsin    Capability = "isin"
	CapHistory Capability = "history"
	CapSearch  Capability = "search"
)

// CapabilityReporter is implemented by middleware wrapper types whose
// method set necessarily covers every capability (so a single guard can
// apply uniformly across all of them) but whose wrapped connector may only
// genuinely support a subset. As*Provider consults it before falling back
// to a plain type assertion, so wrapping a connector never advertises a
// capability the wrapped connector doesn't have.
type CapabilityReporter interface {
	HasCapability(cap Capability) bool
}

func hasCapability(c Connector, cap Capability) bool {
	cr, ok := c.(CapabilityReporter)
	return !ok || cr.HasCapability(cap)
}

// AsHistoryProvider, AsQuoteProvider, ... are the Go analogue of the
// reference's as_history_provider()-style accessors: a thin type-assertion
// wrapper so call sites read the same as the Rust original, and so
// middleware wrapper types (which embed an inner Connector) only need to
// implement the accessor once via embedding + override.
func AsHistoryProvider(c Connector) (HistoryProvider, bool) {
	if !hasCapability(c, CapHistory) {
		return nil, false
	}
	p, ok := c.(HistoryProvider)
	return p, ok
}

func AsQuoteProvider(c Connector) (QuoteProvider, bool) {
	if !hasCapability(c, CapQuote) {
		return nil, false
	}
	p, ok := c.(QuoteProvider)
	return p, ok
}

func AsProfileProvider(c Connector) (ProfileProvider, bool) {
	if !hasCapability(c, CapProfile) {
		return nil, false
	}
	p, ok := c.(ProfileProvider)
	return p, ok
}

func AsIsinProvider(c Connector) (IsinProvider, bool) {
	if !hasCapability(c, CapIsin) {
		return nil, false
	}
	p, ok := c.(IsinProvider)
	return p, ok
}

func AsSearchProvider(c Connector) (SearchProvider, bool) {
	if !hasCapability(c, CapSearch) {
		return nil, false
	}
	p, ok := c.(SearchProvider)
	return p, ok
}

func AsStreamQuotesProvider(c Connector) (StreamQuotesProvider, bool) {
	p, ok := c.(StreamQuotesProvider)
	return p, ok
}

// TagErr wraps a connector error with its name, leaving already-tagged,
// NotFound, and ProviderTimeout errors untouched — the shared helper the
// orchestrator and history router both call (borsa::core::tag_err).
func TagErr(name string, err borsaerr.Error) borsaerr.Error {
	return borsaerr.Tag(name, err)
}
