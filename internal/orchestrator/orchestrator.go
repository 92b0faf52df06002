// Package orchestrator implements Borsa, the router/orchestrator runtime
// described in §4.1/§4.2: builder-configured connector registration,
// per-kind/per-symbol priority ordering, and the two fetch strategies
// (PriorityWithFallback, Latency) single-item capability calls run under.
//
// Grounded directly on borsa::core (Borsa/BorsaBuilder/BorsaConfig,
// fetch_single/fetch_single_priority_with_fallback/fetch_single_latency,
// ordered/ordered_for_kind, tag_err), translated from Rust async/await and
// FuturesUnordered racing into goroutines synchronized over buffered
// channels, the usual Go idiom for fan-out-then-collect.
package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
	"github.com/sawpanic/borsa/internal/connector"
	"github.com/sawpanic/borsa/internal/routing"
)

type FetchStrategy int

const (
	PriorityWithFallback FetchStrategy = iota
	Latency
)

type MergeStrategy int

const (
	Deep MergeStrategy = iota
	Fallback
)

type Resampling int

const (
	ResampleNone Resampling = iota
	ResampleDaily
	ResampleWeekly
)

// BackoffConfig configures streaming reconnect delays; consumed by
// internal/streaming.
type BackoffConfig struct {
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	Factor        uint
	JitterPercent uint8
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{MinBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second, Factor: 2, JitterPercent: 20}
}

// Config is the orchestrator's immutable runtime configuration, built by
// Builder.
type Config struct {
	PerKindPriority   map[borsatypes.AssetKind][]borsatypes.ConnectorKey
	PerSymbolPriority map[string][]borsatypes.ConnectorKey

	// RoutingPolicy, when set via WithRoutingPolicy, supersedes
	// PerKindPriority/PerSymbolPriority for ordering decisions: Ordered and
	// OrderedForKind consult its specificity-ranked rules instead, and a
	// strict rule's exclusions are honored (the connector is dropped
	// entirely rather than merely sorted last).
	RoutingPolicy *routing.RoutingPolicy

	PreferAdjustedHistory      bool
	Resampling                 Resampling
	AutoResampleSubdailyToDaily bool
	FetchStrategy              FetchStrategy
	MergeHistoryStrategy       MergeStrategy
	ProviderTimeout            time.Duration
	RequestTimeout             *time.Duration
	Backoff                    *BackoffConfig

	StreamEnforceMonotonicTimestamps bool
}

func defaultConfig() Config {
	return Config{
		PerKindPriority:   make(map[borsatypes.AssetKind][]borsatypes.ConnectorKey),
		PerSymbolPriority: make(map[string][]borsatypes.ConnectorKey),
		FetchStrategy:     PriorityWithFallback,
		MergeHistoryStrategy: Deep,
		ProviderTimeout:   5 * time.Second,
		StreamEnforceMonotonicTimestamps: true,
	}
}

// Borsa is the built orchestrator: an ordered connector set plus Config.
type Borsa struct {
	connectors []connector.Connector
	cfg        Config
}

func (b *Borsa) Config() Config                    { return b.cfg }
func (b *Borsa) Connectors() []connector.Connector  { return b.connectors }

// Builder constructs a Borsa via chained With* calls, mirroring
// BorsaBuilder's method-returns-self idiom.
type Builder struct {
	connectors []connector.Connector
	cfg        Config
}

func NewBuilder() *Builder {
	return &Builder{cfg: defaultConfig()}
}

func (b *Builder) WithConnector(c connector.Connector) *Builder {
	b.connectors = append(b.connectors, c)
	return b
}

func (b *Builder) PreferForKind(kind borsatypes.AssetKind, names []borsatypes.ConnectorKey) *Builder {
	b.cfg.PerKindPriority[kind] = names
	return b
}

func (b *Builder) PreferSymbol(symbol string, names []borsatypes.ConnectorKey) *Builder {
	b.cfg.PerSymbolPriority[symbol] = names
	return b
}

// WithRoutingPolicy installs a policy built via routing.Builder. When set,
// it takes priority over PreferForKind/PreferSymbol for Ordered and
// OrderedForKind.
func (b *Builder) WithRoutingPolicy(p routing.RoutingPolicy) *Builder {
	b.cfg.RoutingPolicy = &p
	return b
}

func (b *Builder) PreferAdjustedHistory(yes bool) *Builder {
	b.cfg.PreferAdjustedHistory = yes
	return b
}

func (b *Builder) WithResampling(mode Resampling) *Builder {
	b.cfg.Resampling = mode
	return b
}

func (b *Builder) AutoResampleSubdailyToDaily(yes bool) *Builder {
	b.cfg.AutoResampleSubdailyToDaily = yes
	return b
}

func (b *Builder) WithFetchStrategy(s FetchStrategy) *Builder {
	b.cfg.FetchStrategy = s
	return b
}

func (b *Builder) WithMergeHistoryStrategy(s MergeStrategy) *Builder {
	b.cfg.MergeHistoryStrategy = s
	return b
}

func (b *Builder) WithProviderTimeout(d time.Duration) *Builder {
	b.cfg.ProviderTimeout = d
	return b
}

func (b *Builder) WithRequestTimeout(d time.Duration) *Builder {
	b.cfg.RequestTimeout = &d
	return b
}

func (b *Builder) WithBackoff(cfg BackoffConfig) *Builder {
	b.cfg.Backoff = &cfg
	return b
}

func (b *Builder) StreamEnforceMonotonicTimestamps(yes bool) *Builder {
	b.cfg.StreamEnforceMonotonicTimestamps = yes
	return b
}

// Build filters priority lists down to known connector names and dedups
// them, mirroring BorsaBuilder::build's filter_keys pass.
func (b *Builder) Build() *Borsa {
	known := make(map[borsatypes.ConnectorKey]bool, len(b.connectors))
	for _, c := range b.connectors {
		known[borsatypes.ConnectorKey(c.Name())] = true
	}
	filter := func(keys []borsatypes.ConnectorKey) []borsatypes.ConnectorKey {
		out := make([]borsatypes.ConnectorKey, 0, len(keys))
		seen := make(map[borsatypes.ConnectorKey]bool, len(keys))
		for _, k := range keys {
			if known[k] && !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
		return out
	}
	for k, v := range b.cfg.PerKindPriority {
		b.cfg.PerKindPriority[k] = filter(v)
	}
	for k, v := range b.cfg.PerSymbolPriority {
		b.cfg.PerSymbolPriority[k] = filter(v)
	}
	return &Borsa{connectors: b.connectors, cfg: b.cfg}
}

// Ordered returns connectors sorted by the symbol's priority list if
// present, else the kind's, else registration order — the Go rendering of
// Borsa::ordered.
func (bo *Borsa) Ordered(inst borsatypes.Instrument) []connector.Connector {
	if bo.cfg.RoutingPolicy != nil {
		symbol := inst.Symbol
		kind := inst.Kind
		ctx := routing.Context{Symbol: &symbol, Kind: &kind}
		if inst.HasExchange() {
			ex := inst.Exchange
			ctx.Exchange = &ex
		}
		return bo.orderWithPolicy(ctx)
	}
	if pref, ok := bo.cfg.PerSymbolPriority[inst.Symbol]; ok {
		return bo.orderWith(pref)
	}
	if pref, ok := bo.cfg.PerKindPriority[inst.Kind]; ok {
		return bo.orderWith(pref)
	}
	return append([]connector.Connector(nil), bo.connectors...)
}

// OrderedForKind returns connectors sorted by the kind's priority list
// when kind is non-nil and configured, else registration order — the Go
// rendering of Borsa::ordered_for_kind.
func (bo *Borsa) OrderedForKind(kind *borsatypes.AssetKind) []connector.Connector {
	if bo.cfg.RoutingPolicy != nil {
		return bo.orderWithPolicy(routing.Context{Kind: kind})
	}
	if kind != nil {
		if pref, ok := bo.cfg.PerKindPriority[*kind]; ok {
			return bo.orderWith(pref)
		}
	}
	return append([]connector.Connector(nil), bo.connectors...)
}

// orderWithPolicy ranks connectors via the installed RoutingPolicy,
// dropping any a strict matching rule excludes (ProviderRank's ok==false).
func (bo *Borsa) orderWithPolicy(ctx routing.Context) []connector.Connector {
	policy := bo.cfg.RoutingPolicy.Providers
	type ranked struct {
		rank      int
		origIndex int
		c         connector.Connector
	}
	out := make([]ranked, 0, len(bo.connectors))
	for i, c := range bo.connectors {
		rank, ok := policy.ProviderRank(ctx, borsatypes.ConnectorKey(c.Name()))
		if !ok {
			continue
		}
		out = append(out, ranked{rank: rank, origIndex: i, c: c})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		return out[i].origIndex < out[j].origIndex
	})
	result := make([]connector.Connector, len(out))
	for i, e := range out {
		result[i] = e.c
	}
	return result
}

func (bo *Borsa) orderWith(pref []borsatypes.ConnectorKey) []connector.Connector {
	pos := make(map[string]int, len(pref))
	for i, k := range pref {
		pos[string(k)] = i
	}
	type indexed struct {
		origIndex int
		c         connector.Connector
	}
	out := make([]indexed, len(bo.connectors))
	for i, c := range bo.connectors {
		out[i] = indexed{origIndex: i, c: c}
	}
	const unranked = int(^uint(0) >> 1)
	sort.SliceStable(out, func(i, j int) bool {
		pi, oki := pos[out[i].c.Name()]
		pj, okj := pos[out[j].c.Name()]
		if !oki {
			pi = unranked
		}
		if !okj {
			pj = unranked
		}
		if pi != pj {
			return pi < pj
		}
		return out[i].origIndex < out[j].origIndex
	})
	result := make([]connector.Connector, len(out))
	for i, e := range out {
		result[i] = e.c
	}
	return result
}

// providerCallWithTimeout bounds fn by timeout, mapping a deadline
// exceeded into ProviderTimeout the way provider_call_with_timeout does.
func providerCallWithTimeout[T any](ctx context.Context, connectorName, capability string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(timeoutCtx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-timeoutCtx.Done():
		return zero, &borsaerr.ProviderTimeout{Connector: connectorName, Capability: capability}
	}
}

// Call is the signature fetch_single's call parameter takes: given a
// connector and instrument, either it doesn't support the capability (nil
// func returned) or it returns the async call to make.
type Call[T any] func(c connector.Connector, inst borsatypes.Instrument) func(ctx context.Context) (T, error)

// FetchSingle runs call across bo's ordered connectors under the
// configured FetchStrategy — the Go rendering of Borsa::fetch_single.
func FetchSingle[T any](ctx context.Context, bo *Borsa, inst borsatypes.Instrument, capabilityLabel, notFoundLabel string, call Call[T]) (T, error) {
	switch bo.cfg.FetchStrategy {
	case Latency:
		return fetchSingleLatency(ctx, bo, inst, capabilityLabel, notFoundLabel, call)
	default:
		return fetchSinglePriorityWithFallback(ctx, bo, inst, capabilityLabel, notFoundLabel, call)
	}
}

func isNotFound(err error) bool {
	_, ok := err.(*borsaerr.NotFound)
	return ok
}

func isProviderTimeout(err error) bool {
	_, ok := err.(*borsaerr.ProviderTimeout)
	return ok
}

func fetchSinglePriorityWithFallback[T any](ctx context.Context, bo *Borsa, inst borsatypes.Instrument, capabilityLabel, notFoundLabel string, call Call[T]) (T, error) {
	var zero T
	attemptedAny := false
	var errs []borsaerr.Error
	allNotFound := true

	for _, c := range bo.Ordered(inst) {
		fn := call(c, inst)
		if fn == nil {
			continue
		}
		attemptedAny = true
		v, err := providerCallWithTimeout(ctx, c.Name(), capabilityLabel, bo.cfg.ProviderTimeout, fn)
		if err == nil {
			return v, nil
		}
		switch {
		case isNotFound(err):
			errs = append(errs, err.(borsaerr.Error))
		case isProviderTimeout(err):
			allNotFound = false
			errs = append(errs, err.(borsaerr.Error))
		default:
			allNotFound = false
			be, ok := err.(borsaerr.Error)
			if !ok {
				be = &borsaerr.Other{Message: err.Error()}
			}
			errs = append(errs, connector.TagErr(c.Name(), be))
		}
	}

	if !attemptedAny {
		return zero, &borsaerr.Unsupported{Capability: capabilityLabel}
	}
	if allNotFound && len(errs) > 0 && allAre[*borsaerr.NotFound](errs) {
		return zero, &borsaerr.NotFound{What: notFoundLabel + " for " + inst.Symbol}
	}
	if len(errs) > 0 && allAre[*borsaerr.ProviderTimeout](errs) {
		return zero, &borsaerr.AllProvidersTimedOut{Capability: capabilityLabel}
	}
	return zero, &borsaerr.AllProvidersFailed{Errors: errs}
}

func allAre[T any](errs []borsaerr.Error) bool {
	for _, e := range errs {
		if _, ok := any(e).(T); !ok {
			return false
		}
	}
	return true
}

func fetchSingleLatency[T any](ctx context.Context, bo *Borsa, inst borsatypes.Instrument, capabilityLabel, notFoundLabel string, call Call[T]) (T, error) {
	var zero T
	type outcome struct {
		name string
		v    T
		err  error
	}

	ordered := bo.Ordered(inst)
	ch := make(chan outcome, len(ordered))
	attempted := 0
	for _, c := range ordered {
		fn := call(c, inst)
		if fn == nil {
			continue
		}
		attempted++
		name := c.Name()
		timeout := bo.cfg.ProviderTimeout
		go func() {
			v, err := providerCallWithTimeout(ctx, name, capabilityLabel, timeout, fn)
			ch <- outcome{name: name, v: v, err: err}
		}()
	}

	if attempted == 0 {
		return zero, &borsaerr.Unsupported{Capability: capabilityLabel}
	}

	var errs []borsaerr.Error
	for i := 0; i < attempted; i++ {
		o := <-ch
		if o.err == nil {
			return o.v, nil
		}
		switch {
		case isProviderTimeout(o.err), isNotFound(o.err):
			errs = append(errs, o.err.(borsaerr.Error))
		default:
			be, ok := o.err.(borsaerr.Error)
			if !ok {
				be = &borsaerr.Other{Message: o.err.Error()}
			}
			errs = append(errs, connector.TagErr(o.name, be))
		}
	}

	if len(errs) > 0 && allAre[*borsaerr.ProviderTimeout](errs) {
		return zero, &borsaerr.AllProvidersTimedOut{Capability: capabilityLabel}
	}
	if len(errs) > 0 && allAre[*borsaerr.NotFound](errs) {
		return zero, &borsaerr.NotFound{What: notFoundLabel + " for " + inst.Symbol}
	}
	return zero, &borsaerr.AllProvidersFailed{Errors: errs}
}
