// Package reports implements the composite report builders of §4.5.5:
// info (profile+quote+isin fan-in), fast_info (single quote call), and
// download (per-instrument history-with-attribution fan-out), plus the
// search aggregator of §4.5.4. Each synthesizes partial failures into
// structured warnings instead of surfacing the orchestrator's aggregate
// error types, per §7's propagation policy.
package reports

import (
	"context"
	"sort"
	"time"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
	"github.com/sawpanic/borsa/internal/connector"
	"github.com/sawpanic/borsa/internal/history"
	"github.com/sawpanic/borsa/internal/orchestrator"
	"github.com/sawpanic/borsa/internal/routing"
)

// Info is the synthesized view §4.5.5 describes: quote fields win for
// price/market-state, profile fields win for descriptive text, ISIN
// prefers an explicit provider result over the one embedded in Profile.
type Info struct {
	Symbol        string
	Price         *float64
	PreviousClose *float64
	Currency      string
	MarketState   string
	LongName      string
	Description   string
	Isin          string
}

type InfoReport struct {
	Symbol   string
	Info     *Info
	Warnings []borsaerr.Error
}

type SearchReport struct {
	Response []connector.SearchResult
	Warnings []borsaerr.Error
}

type DownloadEntry struct {
	Instrument  borsatypes.Instrument
	Response    borsatypes.HistoryResponse
	Attribution borsatypes.Attribution
}

type DownloadReport struct {
	Entries  []DownloadEntry
	Warnings []borsaerr.Error
}

// actionableOnly drops Unsupported/NotFound per §7 — those are never
// reported as warnings, only actionable failures are.
func actionableOnly(errs []borsaerr.Error) []borsaerr.Error {
	var out []borsaerr.Error
	for _, e := range errs {
		switch e.(type) {
		case *borsaerr.Unsupported, *borsaerr.NotFound:
			continue
		}
		if e.IsActionable() {
			out = append(out, e)
		}
	}
	return out
}

func flattenErr(err error) []borsaerr.Error {
	be, ok := err.(borsaerr.Error)
	if !ok {
		return []borsaerr.Error{&borsaerr.Other{Message: err.Error()}}
	}
	return borsaerr.Flatten(be)
}

// GetInfo runs profile/quote/isin concurrently and synthesizes one record.
func GetInfo(ctx context.Context, bo *orchestrator.Borsa, inst borsatypes.Instrument) (InfoReport, error) {
	type quoteResult struct {
		q   connector.Quote
		err error
	}
	type profileResult struct {
		p   connector.Profile
		err error
	}
	type isinResult struct {
		isin string
		err  error
	}

	qCh := make(chan quoteResult, 1)
	pCh := make(chan profileResult, 1)
	iCh := make(chan isinResult, 1)

	go func() {
		q, err := orchestrator.FetchSingle[connector.Quote](ctx, bo, inst, "quote", "quote", func(c connector.Connector, inst borsatypes.Instrument) func(context.Context) (connector.Quote, error) {
			qp, ok := connector.AsQuoteProvider(c)
			if !ok {
				return nil
			}
			return func(ctx context.Context) (connector.Quote, error) { return qp.GetQuote(ctx, inst) }
		})
		qCh <- quoteResult{q: q, err: err}
	}()
	go func() {
		p, err := orchestrator.FetchSingle[connector.Profile](ctx, bo, inst, "profile", "profile", func(c connector.Connector, inst borsatypes.Instrument) func(context.Context) (connector.Profile, error) {
			pp, ok := connector.AsProfileProvider(c)
			if !ok {
				return nil
			}
			return func(ctx context.Context) (connector.Profile, error) { return pp.GetProfile(ctx, inst) }
		})
		pCh <- profileResult{p: p, err: err}
	}()
	go func() {
		isin, err := orchestrator.FetchSingle[string](ctx, bo, inst, "isin", "isin", func(c connector.Connector, inst borsatypes.Instrument) func(context.Context) (string, error) {
			ip, ok := connector.AsIsinProvider(c)
			if !ok {
				return nil
			}
			return func(ctx context.Context) (string, error) { return ip.GetIsin(ctx, inst) }
		})
		iCh <- isinResult{isin: isin, err: err}
	}()

	qr, pr, ir := <-qCh, <-pCh, <-iCh

	var warnings []borsaerr.Error
	if qr.err != nil {
		warnings = append(warnings, flattenErr(qr.err)...)
	}
	if pr.err != nil {
		warnings = append(warnings, flattenErr(pr.err)...)
	}
	if ir.err != nil {
		warnings = append(warnings, flattenErr(ir.err)...)
	}
	warnings = actionableOnly(warnings)

	if qr.err != nil && pr.err != nil && ir.err != nil {
		return InfoReport{Symbol: inst.Symbol, Warnings: warnings}, nil
	}

	info := &Info{Symbol: inst.Symbol}
	if qr.err == nil {
		info.Price = qr.q.Price
		info.PreviousClose = qr.q.PreviousClose
		info.Currency = qr.q.Currency
		info.MarketState = qr.q.MarketState
	}
	if pr.err == nil {
		info.LongName = pr.p.LongName
		info.Description = pr.p.Description
		info.Isin = pr.p.Isin
	}
	if ir.err == nil && ir.isin != "" {
		info.Isin = ir.isin
	}

	return InfoReport{Symbol: inst.Symbol, Info: info, Warnings: warnings}, nil
}

// FastInfo performs a single quote call and derives the latest price,
// falling back to previous close, per §4.5.5.
func FastInfo(ctx context.Context, bo *orchestrator.Borsa, inst borsatypes.Instrument) (float64, error) {
	q, err := orchestrator.FetchSingle[connector.Quote](ctx, bo, inst, "quote", "quote", func(c connector.Connector, inst borsatypes.Instrument) func(context.Context) (connector.Quote, error) {
		qp, ok := connector.AsQuoteProvider(c)
		if !ok {
			return nil
		}
		return func(ctx context.Context) (connector.Quote, error) { return qp.GetQuote(ctx, inst) }
	})
	if err != nil {
		return 0, err
	}
	if q.Price != nil {
		return *q.Price, nil
	}
	if q.PreviousClose != nil {
		return *q.PreviousClose, nil
	}
	return 0, &borsaerr.Data{Message: "fast_info: quote has no price or previous_close"}
}

// Search fans out to every kind-eligible search provider, merges
// preserving traversal order, deduplicates by symbol preferring the
// earliest-listed exchange, and truncates to limit.
func Search(ctx context.Context, bo *orchestrator.Borsa, query string, kind *borsatypes.AssetKind, limit int) (SearchReport, error) {
	ordered := bo.OrderedForKind(kind)
	type outcome struct {
		results []connector.SearchResult
		err     error
	}
	ch := make(chan outcome, len(ordered))
	attempted := 0
	for _, c := range ordered {
		sp, ok := connector.AsSearchProvider(c)
		if !ok {
			continue
		}
		if kind != nil && !c.SupportsKind(*kind) {
			continue
		}
		attempted++
		name := c.Name()
		go func() {
			res, err := sp.Search(ctx, query, kind, limit)
			if err != nil {
				be, ok := err.(borsaerr.Error)
				if !ok {
					be = &borsaerr.Other{Message: err.Error()}
				}
				ch <- outcome{err: connector.TagErr(name, be)}
				return
			}
			ch <- outcome{results: res}
		}()
	}

	var merged []connector.SearchResult
	var errs []borsaerr.Error
	for i := 0; i < attempted; i++ {
		o := <-ch
		if o.err != nil {
			errs = append(errs, o.err.(borsaerr.Error))
			continue
		}
		merged = append(merged, o.results...)
	}

	if len(merged) == 0 && len(errs) > 0 {
		actionable := actionableOnly(errs)
		if len(actionable) > 0 {
			return SearchReport{}, &borsaerr.AllProvidersFailed{Errors: actionable}
		}
	}

	dedup := dedupBySymbol(bo, merged, kind)
	if limit > 0 && len(dedup) > limit {
		dedup = dedup[:limit]
	}
	return SearchReport{Response: dedup, Warnings: actionableOnly(errs)}, nil
}

// dedupBySymbol keeps one SearchResult per symbol, preferring the
// candidate whose exchange ranks best under the installed RoutingPolicy's
// ExchangePreferences (§4.2); ties broken by original traversal position,
// and symbol-first-seen order is preserved in the output.
func dedupBySymbol(bo *orchestrator.Borsa, results []connector.SearchResult, kind *borsatypes.AssetKind) []connector.SearchResult {
	var exchanges *routing.Preference
	if p := bo.Config().RoutingPolicy; p != nil {
		exchanges = p.Exchanges
	}

	type best struct {
		result  connector.SearchResult
		key     [4]int
		order   int
	}
	order := make([]string, 0, len(results))
	bySymbol := make(map[string]best, len(results))
	for i, r := range results {
		var key [4]int
		if exchanges != nil {
			key = exchanges.ExchangeSortKey(r.Symbol, kind, r.Exchange, i)
		} else {
			key = [4]int{0, 0, 0, i}
		}
		cur, ok := bySymbol[r.Symbol]
		if !ok {
			order = append(order, r.Symbol)
			bySymbol[r.Symbol] = best{result: r, key: key, order: i}
			continue
		}
		if lessKey(key, cur.key) {
			bySymbol[r.Symbol] = best{result: r, key: key, order: i}
		}
	}
	out := make([]connector.SearchResult, 0, len(order))
	for _, sym := range order {
		out = append(out, bySymbol[sym].result)
	}
	return out
}

func lessKey(a, b [4]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Download validates a deduplicated non-empty instrument list, then fans
// out history-with-attribution per instrument concurrently, bounded by an
// overall deadline.
func Download(ctx context.Context, bo *orchestrator.Borsa, instruments []borsatypes.Instrument, req connector.HistoryRequest, deadline time.Duration) (DownloadReport, error) {
	if len(instruments) == 0 {
		return DownloadReport{}, &borsaerr.InvalidArg{Message: "download: instrument list must not be empty"}
	}
	seen := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		if seen[inst.Symbol] {
			return DownloadReport{}, &borsaerr.InvalidArg{Message: "duplicate symbol '" + inst.Symbol + "'"}
		}
		seen[inst.Symbol] = true
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	type outcome struct {
		inst borsatypes.Instrument
		resp borsatypes.HistoryResponse
		attr borsatypes.Attribution
		err  error
	}
	ch := make(chan outcome, len(instruments))
	for _, inst := range instruments {
		inst := inst
		go func() {
			resp, attr, err := history.HistoryWithAttribution(runCtx, bo, inst, req)
			ch <- outcome{inst: inst, resp: resp, attr: attr, err: err}
		}()
	}

	var entries []DownloadEntry
	var warnings []borsaerr.Error
	for i := 0; i < len(instruments); i++ {
		select {
		case o := <-ch:
			if o.err != nil {
				if runCtx.Err() != nil {
					return DownloadReport{}, &borsaerr.RequestTimeout{Capability: "download:history"}
				}
				warnings = append(warnings, flattenErr(o.err)...)
				continue
			}
			entries = append(entries, DownloadEntry{Instrument: o.inst, Response: o.resp, Attribution: o.attr})
		case <-runCtx.Done():
			return DownloadReport{}, &borsaerr.RequestTimeout{Capability: "download:history"}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return indexOf(instruments, entries[i].Instrument) < indexOf(instruments, entries[j].Instrument)
	})
	return DownloadReport{Entries: entries, Warnings: actionableOnly(warnings)}, nil
}

func indexOf(instruments []borsatypes.Instrument, inst borsatypes.Instrument) int {
	for i, v := range instruments {
		if v.Symbol == inst.Symbol {
			return i
		}
	}
	return len(instruments)
}
