// Package routing implements the provider/exchange selection policy:
// specificity-ranked selector rules resolving to an ordered connector
// list, with strict exclusion support and a separate exchange-preference
// table for search de-duplication.
//
// Grounded directly on borsa-types::routing_policy from the reference
// implementation; the Go rendering keeps the same specificity-tuple and
// best-rule-wins algorithm, replacing Rust's builder-returns-Self chaining
// with the same pattern (each Builder method returns the receiver).
package routing

import (
	"math"

	"github.com/sawpanic/borsa/internal/borsatypes"
)

// RankedList is a de-duplicated ordered list of values with O(1) rank
// lookup. Construction order is preserved; re-inserting an existing value
// is a no-op (first occurrence wins).
type RankedList[T comparable] struct {
	values []T
	rank   map[T]int
}

func NewRankedList[T comparable](values ...T) *RankedList[T] {
	rl := &RankedList[T]{rank: make(map[T]int)}
	for _, v := range values {
		rl.Add(v)
	}
	return rl
}

func (rl *RankedList[T]) Add(v T) {
	if _, ok := rl.rank[v]; ok {
		return
	}
	rl.rank[v] = len(rl.values)
	rl.values = append(rl.values, v)
}

// Rank returns the position of v, or (0, false) if absent.
func (rl *RankedList[T]) Rank(v T) (int, bool) {
	r, ok := rl.rank[v]
	return r, ok
}

func (rl *RankedList[T]) Values() []T { return append([]T(nil), rl.values...) }

func (rl *RankedList[T]) Len() int { return len(rl.values) }

// Selector is the matching predicate for a ProviderRule: each set field
// must equal the routing context's corresponding field.
type Selector struct {
	Symbol   *string
	Kind     *borsatypes.AssetKind
	Exchange *string
}

// specificity returns (count_of_set_fields, symbol_bit, kind_bit,
// exchange_bit) for lexicographic comparison, matching
// Selector::specificity_bits in the reference.
func (s Selector) specificity() [4]int {
	var count, sym, kind, ex int
	if s.Symbol != nil {
		count++
		sym = 1
	}
	if s.Kind != nil {
		count++
		kind = 1
	}
	if s.Exchange != nil {
		count++
		ex = 1
	}
	return [4]int{count, sym, kind, ex}
}

func (s Selector) matches(ctx Context) bool {
	if s.Symbol != nil && (ctx.Symbol == nil || *ctx.Symbol != *s.Symbol) {
		return false
	}
	if s.Kind != nil && (ctx.Kind == nil || *ctx.Kind != *s.Kind) {
		return false
	}
	if s.Exchange != nil && (ctx.Exchange == nil || *ctx.Exchange != *s.Exchange) {
		return false
	}
	return true
}

func specLess(a, b [4]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Context is the (symbol?, kind?, exchange?) triple a request is matched
// against.
type Context struct {
	Symbol   *string
	Kind     *borsatypes.AssetKind
	Exchange *string
}

// ProviderRule pairs a Selector with an ordered connector list and a
// strictness flag: strict rules exclude any connector not present in
// List.
type ProviderRule struct {
	Selector Selector
	List     *RankedList[borsatypes.ConnectorKey]
	Strict   bool
}

// ProviderPolicy is an ordered rule table plus an optional catch-all
// global rule.
type ProviderPolicy struct {
	Rules  []ProviderRule
	Global *ProviderRule
}

// MaxRank is the sentinel "unranked but not excluded" position, sorting
// after every explicitly ranked connector.
const MaxRank = math.MaxInt32

// bestRule returns the index of the highest-specificity matching rule, or
// -1 if none matches. Ties (equal specificity) are broken by insertion
// order: iterating forward and using >= lets a later rule overwrite an
// equally-specific earlier one, matching the reference's "later wins".
func (p ProviderPolicy) bestRule(ctx Context) int {
	best := -1
	var bestSpec [4]int
	for i, r := range p.Rules {
		if !r.Selector.matches(ctx) {
			continue
		}
		spec := r.Selector.specificity()
		if best == -1 || !specLess(spec, bestSpec) {
			best = i
			bestSpec = spec
		}
	}
	return best
}

// rankIn resolves (rank, strict) for key against a single rule.
func rankIn(rule ProviderRule, key borsatypes.ConnectorKey) (int, bool, bool) {
	if rule.List != nil {
		if r, ok := rule.List.Rank(key); ok {
			return r, true, true
		}
	}
	if rule.Strict {
		return 0, false, true
	}
	return MaxRank, true, true
}

// ProviderRank implements provider_rank: selects the best matching rule
// (falling back to the global rule), and resolves key's rank within it.
// The second return value is false only when a strict rule matched but
// excluded key.
func (p ProviderPolicy) ProviderRank(ctx Context, key borsatypes.ConnectorKey) (rank int, ok bool) {
	if idx := p.bestRule(ctx); idx >= 0 {
		r, included, _ := rankIn(p.Rules[idx], key)
		return r, included
	}
	if p.Global != nil {
		r, included, _ := rankIn(*p.Global, key)
		return r, included
	}
	return MaxRank, true
}

// ProviderSortKey returns (rank, originalIndex) for stable sorting.
// Callers must filter out entries where ProviderRank's ok is false before
// sorting (strict exclusion).
func (p ProviderPolicy) ProviderSortKey(ctx Context, key borsatypes.ConnectorKey, origIndex int) (int, int) {
	rank, _ := p.ProviderRank(ctx, key)
	return rank, origIndex
}

// Preference resolves an ordered exchange list with Symbol > Kind >
// Global precedence.
type Preference struct {
	Global   *RankedList[string]
	ByKind   map[borsatypes.AssetKind]*RankedList[string]
	BySymbol map[string]*RankedList[string]
}

func NewPreference() *Preference {
	return &Preference{ByKind: make(map[borsatypes.AssetKind]*RankedList[string]), BySymbol: make(map[string]*RankedList[string])}
}

// Resolve picks the most specific applicable list.
func (p *Preference) Resolve(symbol string, kind *borsatypes.AssetKind) *RankedList[string] {
	if rl, ok := p.BySymbol[symbol]; ok {
		return rl
	}
	if kind != nil {
		if rl, ok := p.ByKind[*kind]; ok {
			return rl
		}
	}
	return p.Global
}

// ExchangeSortKey returns (rank, nonePenalty, reserved, origIndex) for
// ranking candidate exchanges during search de-duplication. An absent
// exchange (empty string) always sorts after every ranked one.
func (p *Preference) ExchangeSortKey(symbol string, kind *borsatypes.AssetKind, exchange string, origIndex int) [4]int {
	resolved := p.Resolve(symbol, kind)
	nonePenalty := 0
	rank := MaxRank
	if exchange == "" {
		nonePenalty = MaxRank
	} else if resolved != nil {
		if r, ok := resolved.Rank(exchange); ok {
			rank = r
		}
	}
	return [4]int{rank, nonePenalty, MaxRank, origIndex}
}

// RoutingPolicy bundles the provider policy and exchange preferences.
type RoutingPolicy struct {
	Providers ProviderPolicy
	Exchanges *Preference
}

// Builder constructs a RoutingPolicy, validating rule connector references
// against the set of registered connector names at Build time — unknown
// names are dropped, mirroring BorsaBuilder::build's filter_keys pass.
type Builder struct {
	rules     []ProviderRule
	global    *ProviderRule
	exchanges *Preference
}

func NewBuilder() *Builder {
	return &Builder{exchanges: NewPreference()}
}

func (b *Builder) ProvidersGlobal(strict bool, order ...borsatypes.ConnectorKey) *Builder {
	b.global = &ProviderRule{List: NewRankedList(order...), Strict: strict}
	return b
}

func (b *Builder) ProvidersRule(sel Selector, strict bool, order ...borsatypes.ConnectorKey) *Builder {
	b.rules = append(b.rules, ProviderRule{Selector: sel, List: NewRankedList(order...), Strict: strict})
	return b
}

func (b *Builder) ProvidersForKind(kind borsatypes.AssetKind, strict bool, order ...borsatypes.ConnectorKey) *Builder {
	k := kind
	return b.ProvidersRule(Selector{Kind: &k}, strict, order...)
}

func (b *Builder) ProvidersForSymbol(symbol string, strict bool, order ...borsatypes.ConnectorKey) *Builder {
	s := symbol
	return b.ProvidersRule(Selector{Symbol: &s}, strict, order...)
}

func (b *Builder) ExchangesGlobal(order ...string) *Builder {
	b.exchanges.Global = NewRankedList(order...)
	return b
}

func (b *Builder) ExchangesForKind(kind borsatypes.AssetKind, order ...string) *Builder {
	b.exchanges.ByKind[kind] = NewRankedList(order...)
	return b
}

func (b *Builder) ExchangesForSymbol(symbol string, order ...string) *Builder {
	b.exchanges.BySymbol[symbol] = NewRankedList(order...)
	return b
}

// Build validates every referenced connector key against known, dropping
// (and deduplicating) unknown ones from each rule's list — mirroring the
// reference's normalize_and_collect_unknown.
func (b *Builder) Build(known map[borsatypes.ConnectorKey]bool) RoutingPolicy {
	filter := func(rl *RankedList[borsatypes.ConnectorKey]) *RankedList[borsatypes.ConnectorKey] {
		if rl == nil {
			return nil
		}
		out := NewRankedList[borsatypes.ConnectorKey]()
		for _, v := range rl.Values() {
			if known[v] {
				out.Add(v)
			}
		}
		return out
	}
	rules := make([]ProviderRule, len(b.rules))
	for i, r := range b.rules {
		r.List = filter(r.List)
		rules[i] = r
	}
	var global *ProviderRule
	if b.global != nil {
		g := *b.global
		g.List = filter(g.List)
		global = &g
	}
	return RoutingPolicy{
		Providers: ProviderPolicy{Rules: rules, Global: global},
		Exchanges: b.exchanges,
	}
}
