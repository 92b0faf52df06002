// Package middleware composes the four middleware layers — quota,
// blacklist, cache, circuit — around a connector.Connector, in the fixed
// outermost-first order §6 specifies: QuotaAwareConnector,
// BlacklistingMiddleware, CachingMiddleware, CircuitBreakingMiddleware.
// Each layer is a thin decorator that applies its guard uniformly across
// every capability method, so its own Go method set always covers all of
// them; it reports which ones its wrapped connector genuinely has via
// connector.CapabilityReporter, so the orchestrator's As*Provider type
// assertions see exactly the capabilities the wrapped connector implements,
// not every capability the decorator happens to declare.
package middleware

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
	"github.com/sawpanic/borsa/internal/connector"
	"github.com/sawpanic/borsa/internal/middleware/blacklist"
	"github.com/sawpanic/borsa/internal/middleware/cache"
	"github.com/sawpanic/borsa/internal/middleware/circuit"
	"github.com/sawpanic/borsa/internal/middleware/quota"
)

// LayerDescriptor is one entry of a connector's serialized middleware
// stack, written outermost-first.
type LayerDescriptor struct {
	Name       string          `json:"name"`
	ConfigJSON json.RawMessage `json:"config_json"`
}

// StackConfig configures which layers wrap a connector, and with what
// parameters. A nil Quota or Circuit field, or a Cache with Enabled unset,
// skips that layer; the blacklist layer is applied whenever Wrap is given
// a blacklist manager.
type StackConfig struct {
	Quota   *quota.Config
	Cache   CacheConfig
	Circuit *circuit.Config
}

// CacheConfig toggles the CachingMiddleware layer. TTLSec is this
// connector's entry TTL: Wrap passes it per call to the shared
// cache.Middleware's DoWithTTL, since one Redis- or memory-backed store is
// shared across every connector's cache layer.
type CacheConfig struct {
	Enabled bool
	TTLSec  int64
}

// capabilitiesOf snapshots which optional capabilities c actually supports,
// by consulting the same As*Provider helpers every call site uses — so it
// sees straight through any CapabilityReporter already in the chain instead
// of being fooled by an inner wrapper's uniformly-present method set.
func capabilitiesOf(c connector.Connector) map[connector.Capability]bool {
	caps := make(map[connector.Capability]bool, 5)
	if _, ok := connector.AsQuoteProvider(c); ok {
		caps[connector.CapQuote] = true
	}
	if _, ok := connector.AsProfileProvider(c); ok {
		caps[connector.CapProfile] = true
	}
	if _, ok := connector.AsIsinProvider(c); ok {
		caps[connector.CapIsin] = true
	}
	if _, ok := connector.AsHistoryProvider(c); ok {
		caps[connector.CapHistory] = true
	}
	if _, ok := connector.AsSearchProvider(c); ok {
		caps[connector.CapSearch] = true
	}
	return caps
}

// Wrap builds the configured layer chain around inner, innermost-applied
// first so the resulting value's outermost layer is Quota, matching §6's
// serialization order. Each layer's method set necessarily covers every
// capability (the same guard applies uniformly to all of them), so each
// layer snapshots inner's real capability set and reports it back through
// CapabilityReporter rather than letting its own always-present methods
// falsely advertise capabilities inner never had.
func Wrap(inner connector.Connector, cfg StackConfig, quotaMgr *quota.Manager, blacklistMgr *blacklist.Manager, cacheMw *cache.Middleware, circuitMgr *circuit.Manager) connector.Connector {
	var c connector.Connector = inner

	if cfg.Circuit != nil {
		circuitMgr.AddProvider(inner.Name(), *cfg.Circuit)
		c = &circuitBreaking{Connector: c, name: inner.Name(), mgr: circuitMgr, caps: capabilitiesOf(c)}
	}
	if cfg.Cache.Enabled && cacheMw != nil {
		c = &caching{Connector: c, mw: cacheMw, ttl: time.Duration(cfg.Cache.TTLSec) * time.Second, caps: capabilitiesOf(c)}
	}
	if blacklistMgr != nil {
		c = &blacklisting{Connector: c, name: inner.Name(), mgr: blacklistMgr, caps: capabilitiesOf(c)}
	}
	if cfg.Quota != nil {
		quotaMgr.AddProvider(inner.Name(), *cfg.Quota, nil)
		c = &quotaAware{Connector: c, name: inner.Name(), mgr: quotaMgr, caps: capabilitiesOf(c)}
	}
	return c
}

// Describe serializes the fixed four-layer stack order — the §6 wire
// format consumed by /routes and config dumps. BlacklistingMiddleware is
// always listed; the quota, cache and circuit entries are present only
// when the corresponding config field is non-nil/enabled.
func Describe(cfg StackConfig) []LayerDescriptor {
	var out []LayerDescriptor
	if cfg.Quota != nil {
		b, _ := json.Marshal(cfg.Quota)
		out = append(out, LayerDescriptor{Name: "QuotaAwareConnector", ConfigJSON: b})
	}
	out = append(out, LayerDescriptor{Name: "BlacklistingMiddleware", ConfigJSON: json.RawMessage("{}")})
	if cfg.Cache.Enabled {
		b, _ := json.Marshal(cfg.Cache)
		out = append(out, LayerDescriptor{Name: "CachingMiddleware", ConfigJSON: b})
	}
	if cfg.Circuit != nil {
		b, _ := json.Marshal(cfg.Circuit)
		out = append(out, LayerDescriptor{Name: "CircuitBreakingMiddleware", ConfigJSON: b})
	}
	return out
}

// quotaAware is the outermost layer: a pre-call Allow() check, with no
// interaction with the response (QuotaExceeded carries its own reset
// hint, so it never touches the blacklist directly — that's the next
// layer's job when it sees the error returned here).
type quotaAware struct {
	connector.Connector
	name string
	mgr  *quota.Manager
	caps map[connector.Capability]bool
}

func (q *quotaAware) HasCapability(cap connector.Capability) bool { return q.caps[cap] }

func (q *quotaAware) guard() borsaerr.Error {
	if exceeded := q.mgr.Allow(q.name); exceeded != nil {
		return exceeded
	}
	return nil
}

func (q *quotaAware) GetQuote(ctx context.Context, inst borsatypes.Instrument) (connector.Quote, error) {
	qp, ok := connector.AsQuoteProvider(q.Connector)
	if !ok {
		return connector.Quote{}, &borsaerr.Unsupported{Capability: "quote"}
	}
	if err := q.guard(); err != nil {
		return connector.Quote{}, err
	}
	return qp.GetQuote(ctx, inst)
}

func (q *quotaAware) GetProfile(ctx context.Context, inst borsatypes.Instrument) (connector.Profile, error) {
	pp, ok := connector.AsProfileProvider(q.Connector)
	if !ok {
		return connector.Profile{}, &borsaerr.Unsupported{Capability: "profile"}
	}
	if err := q.guard(); err != nil {
		return connector.Profile{}, err
	}
	return pp.GetProfile(ctx, inst)
}

func (q *quotaAware) GetIsin(ctx context.Context, inst borsatypes.Instrument) (string, error) {
	ip, ok := connector.AsIsinProvider(q.Connector)
	if !ok {
		return "", &borsaerr.Unsupported{Capability: "isin"}
	}
	if err := q.guard(); err != nil {
		return "", err
	}
	return ip.GetIsin(ctx, inst)
}

func (q *quotaAware) SupportedIntervals(kind borsatypes.AssetKind) []borsatypes.Interval {
	hp, ok := connector.AsHistoryProvider(q.Connector)
	if !ok {
		return nil
	}
	return hp.SupportedIntervals(kind)
}

func (q *quotaAware) GetHistory(ctx context.Context, req connector.HistoryRequest) (borsatypes.HistoryResponse, error) {
	hp, ok := connector.AsHistoryProvider(q.Connector)
	if !ok {
		return borsatypes.HistoryResponse{}, &borsaerr.Unsupported{Capability: "history"}
	}
	if err := q.guard(); err != nil {
		return borsatypes.HistoryResponse{}, err
	}
	return hp.GetHistory(ctx, req)
}

func (q *quotaAware) Search(ctx context.Context, query string, kind *borsatypes.AssetKind, limit int) ([]connector.SearchResult, error) {
	sp, ok := connector.AsSearchProvider(q.Connector)
	if !ok {
		return nil, &borsaerr.Unsupported{Capability: "search"}
	}
	if err := q.guard(); err != nil {
		return nil, err
	}
	return sp.Search(ctx, query, kind, limit)
}

// blacklisting guards every call behind a lazily-expiring exclusion
// window, and feeds QuotaExceeded/RateLimitExceeded errors surfacing from
// deeper layers back into its own state so a future call short-circuits.
type blacklisting struct {
	connector.Connector
	name string
	mgr  *blacklist.Manager
	caps map[connector.Capability]bool
}

func (bl *blacklisting) HasCapability(cap connector.Capability) bool { return bl.caps[cap] }

func (bl *blacklisting) record(err error) error {
	if be, ok := err.(borsaerr.Error); ok {
		bl.mgr.HandleError(bl.name, be)
	}
	return err
}

func (bl *blacklisting) GetQuote(ctx context.Context, inst borsatypes.Instrument) (connector.Quote, error) {
	qp, ok := connector.AsQuoteProvider(bl.Connector)
	if !ok {
		return connector.Quote{}, &borsaerr.Unsupported{Capability: "quote"}
	}
	if err := bl.mgr.Guard(bl.name); err != nil {
		return connector.Quote{}, err
	}
	v, err := qp.GetQuote(ctx, inst)
	if err != nil {
		return v, bl.record(err)
	}
	return v, nil
}

func (bl *blacklisting) GetProfile(ctx context.Context, inst borsatypes.Instrument) (connector.Profile, error) {
	pp, ok := connector.AsProfileProvider(bl.Connector)
	if !ok {
		return connector.Profile{}, &borsaerr.Unsupported{Capability: "profile"}
	}
	if err := bl.mgr.Guard(bl.name); err != nil {
		return connector.Profile{}, err
	}
	v, err := pp.GetProfile(ctx, inst)
	if err != nil {
		return v, bl.record(err)
	}
	return v, nil
}

func (bl *blacklisting) GetIsin(ctx context.Context, inst borsatypes.Instrument) (string, error) {
	ip, ok := connector.AsIsinProvider(bl.Connector)
	if !ok {
		return "", &borsaerr.Unsupported{Capability: "isin"}
	}
	if err := bl.mgr.Guard(bl.name); err != nil {
		return "", err
	}
	v, err := ip.GetIsin(ctx, inst)
	if err != nil {
		return v, bl.record(err)
	}
	return v, nil
}

func (bl *blacklisting) SupportedIntervals(kind borsatypes.AssetKind) []borsatypes.Interval {
	hp, ok := connector.AsHistoryProvider(bl.Connector)
	if !ok {
		return nil
	}
	return hp.SupportedIntervals(kind)
}

func (bl *blacklisting) GetHistory(ctx context.Context, req connector.HistoryRequest) (borsatypes.HistoryResponse, error) {
	hp, ok := connector.AsHistoryProvider(bl.Connector)
	if !ok {
		return borsatypes.HistoryResponse{}, &borsaerr.Unsupported{Capability: "history"}
	}
	if err := bl.mgr.Guard(bl.name); err != nil {
		return borsatypes.HistoryResponse{}, err
	}
	v, err := hp.GetHistory(ctx, req)
	if err != nil {
		return v, bl.record(err)
	}
	return v, nil
}

func (bl *blacklisting) Search(ctx context.Context, query string, kind *borsatypes.AssetKind, limit int) ([]connector.SearchResult, error) {
	sp, ok := connector.AsSearchProvider(bl.Connector)
	if !ok {
		return nil, &borsaerr.Unsupported{Capability: "search"}
	}
	if err := bl.mgr.Guard(bl.name); err != nil {
		return nil, err
	}
	v, err := sp.Search(ctx, query, kind, limit)
	if err != nil {
		return v, bl.record(err)
	}
	return v, nil
}

// caching memoizes GetHistory calls only — quotes and profiles are
// inherently point-in-time and not meaningfully cacheable at this layer,
// matching how the reference's CachingMiddleware scopes itself to
// history fetches.
type caching struct {
	connector.Connector
	mw   *cache.Middleware
	ttl  time.Duration
	caps map[connector.Capability]bool
}

func (ca *caching) HasCapability(cap connector.Capability) bool { return ca.caps[cap] }

// The remaining capability methods are plain passthroughs: caching only
// memoizes GetHistory (see its doc comment above), so Quote/Profile/Isin/
// Search calls go straight to the wrapped connector uncached.

func (ca *caching) GetQuote(ctx context.Context, inst borsatypes.Instrument) (connector.Quote, error) {
	qp, ok := connector.AsQuoteProvider(ca.Connector)
	if !ok {
		return connector.Quote{}, &borsaerr.Unsupported{Capability: "quote"}
	}
	return qp.GetQuote(ctx, inst)
}

func (ca *caching) GetProfile(ctx context.Context, inst borsatypes.Instrument) (connector.Profile, error) {
	pp, ok := connector.AsProfileProvider(ca.Connector)
	if !ok {
		return connector.Profile{}, &borsaerr.Unsupported{Capability: "profile"}
	}
	return pp.GetProfile(ctx, inst)
}

func (ca *caching) GetIsin(ctx context.Context, inst borsatypes.Instrument) (string, error) {
	ip, ok := connector.AsIsinProvider(ca.Connector)
	if !ok {
		return "", &borsaerr.Unsupported{Capability: "isin"}
	}
	return ip.GetIsin(ctx, inst)
}

func (ca *caching) Search(ctx context.Context, query string, kind *borsatypes.AssetKind, limit int) ([]connector.SearchResult, error) {
	sp, ok := connector.AsSearchProvider(ca.Connector)
	if !ok {
		return nil, &borsaerr.Unsupported{Capability: "search"}
	}
	return sp.Search(ctx, query, kind, limit)
}

func (ca *caching) SupportedIntervals(kind borsatypes.AssetKind) []borsatypes.Interval {
	hp, ok := connector.AsHistoryProvider(ca.Connector)
	if !ok {
		return nil
	}
	return hp.SupportedIntervals(kind)
}

func (ca *caching) GetHistory(ctx context.Context, req connector.HistoryRequest) (borsatypes.HistoryResponse, error) {
	hp, ok := connector.AsHistoryProvider(ca.Connector)
	if !ok {
		return borsatypes.HistoryResponse{}, &borsaerr.Unsupported{Capability: "history"}
	}
	rangePart := func(sec *int64) string {
		if sec == nil {
			return ""
		}
		return strconv.FormatInt(*sec, 10)
	}
	key := ca.mw.Fingerprint(ca.Connector.Name(), req.Instrument.Symbol, string(req.Instrument.Kind),
		req.Instrument.Exchange, string(req.Interval), rangePart(req.RangeStartSec), rangePart(req.RangeEndSec),
		strconv.FormatBool(req.IncludePrepost), strconv.FormatBool(req.IncludeActions), strconv.FormatBool(req.AutoAdjust))
	raw, hit, err := ca.mw.DoWithTTL(key, ca.ttl, func() ([]byte, error) {
		resp, err := hp.GetHistory(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		return borsatypes.HistoryResponse{}, err
	}
	_ = hit
	var resp borsatypes.HistoryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return borsatypes.HistoryResponse{}, &borsaerr.Data{Message: "cache: corrupt entry: " + err.Error()}
	}
	return resp, nil
}

// circuitBreaking is the innermost layer, adjacent to the real connector:
// it trips per-connector on consecutive failures via the hand-rolled
// circuit.Breaker, independent of the streaming supervisor's gobreaker
// instance, which gates stream-start attempts rather than ordinary calls.
type circuitBreaking struct {
	connector.Connector
	name string
	mgr  *circuit.Manager
	caps map[connector.Capability]bool
}

func (cb *circuitBreaking) HasCapability(cap connector.Capability) bool { return cb.caps[cap] }

func (cb *circuitBreaking) GetQuote(ctx context.Context, inst borsatypes.Instrument) (connector.Quote, error) {
	qp, ok := connector.AsQuoteProvider(cb.Connector)
	if !ok {
		return connector.Quote{}, &borsaerr.Unsupported{Capability: "quote"}
	}
	var v connector.Quote
	err := cb.mgr.Call(ctx, cb.name, func(ctx context.Context) error {
		var innerErr error
		v, innerErr = qp.GetQuote(ctx, inst)
		return innerErr
	})
	return v, err
}

func (cb *circuitBreaking) GetProfile(ctx context.Context, inst borsatypes.Instrument) (connector.Profile, error) {
	pp, ok := connector.AsProfileProvider(cb.Connector)
	if !ok {
		return connector.Profile{}, &borsaerr.Unsupported{Capability: "profile"}
	}
	var v connector.Profile
	err := cb.mgr.Call(ctx, cb.name, func(ctx context.Context) error {
		var innerErr error
		v, innerErr = pp.GetProfile(ctx, inst)
		return innerErr
	})
	return v, err
}

func (cb *circuitBreaking) GetIsin(ctx context.Context, inst borsatypes.Instrument) (string, error) {
	ip, ok := connector.AsIsinProvider(cb.Connector)
	if !ok {
		return "", &borsaerr.Unsupported{Capability: "isin"}
	}
	var v string
	err := cb.mgr.Call(ctx, cb.name, func(ctx context.Context) error {
		var innerErr error
		v, innerErr = ip.GetIsin(ctx, inst)
		return innerErr
	})
	return v, err
}

func (cb *circuitBreaking) SupportedIntervals(kind borsatypes.AssetKind) []borsatypes.Interval {
	hp, ok := connector.AsHistoryProvider(cb.Connector)
	if !ok {
		return nil
	}
	return hp.SupportedIntervals(kind)
}

func (cb *circuitBreaking) GetHistory(ctx context.Context, req connector.HistoryRequest) (borsatypes.HistoryResponse, error) {
	hp, ok := connector.AsHistoryProvider(cb.Connector)
	if !ok {
		return borsatypes.HistoryResponse{}, &borsaerr.Unsupported{Capability: "history"}
	}
	var v borsatypes.HistoryResponse
	err := cb.mgr.Call(ctx, cb.name, func(ctx context.Context) error {
		var innerErr error
		v, innerErr = hp.GetHistory(ctx, req)
		return innerErr
	})
	return v, err
}

func (cb *circuitBreaking) Search(ctx context.Context, query string, kind *borsatypes.AssetKind, limit int) ([]connector.SearchResult, error) {
	sp, ok := connector.AsSearchProvider(cb.Connector)
	if !ok {
		return nil, &borsaerr.Unsupported{Capability: "search"}
	}
	var v []connector.SearchResult
	err := cb.mgr.Call(ctx, cb.name, func(ctx context.Context) error {
		var innerErr error
		v, innerErr = sp.Search(ctx, query, kind, limit)
		return innerErr
	})
	return v, err
}
