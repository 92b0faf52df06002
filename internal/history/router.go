// Package history implements the history router described in §4.3:
// effective-interval selection per provider, Deep/Fallback merge
// strategies, adjustedness filtering, attribution-span construction, and
// the final forced/auto resample pass.
//
// Grounded directly on borsa's router/history.rs — choose_effective_interval,
// fetch_joined_history (parallel vs sequential fan-out), finalize_history_results,
// filter_adjustedness, build_attribution, and apply_final_resample all carry
// over with the same names and control flow, translated from async/await +
// join_all into goroutines fanning into a buffered result channel (Deep) or
// a plain sequential loop (Fallback) — the same pattern orchestrator.go uses
// for its own Latency/PriorityWithFallback fetch strategies.
package history

import (
	"context"
	"sort"
	"time"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
	"github.com/sawpanic/borsa/internal/connector"
	"github.com/sawpanic/borsa/internal/orchestrator"
	"github.com/sawpanic/borsa/internal/timeseries"
)

type resamplePlanKind int

const (
	planNone resamplePlanKind = iota
	planMinutes
	planDaily
	planWeekly
)

type resamplePlan struct {
	kind    resamplePlanKind
	minutes int
}

// chooseEffectiveInterval picks the interval a provider should be asked
// for, plus the resample applied afterward to reach the requested cadence.
func chooseEffectiveInterval(supported []borsatypes.Interval, requested borsatypes.Interval) (borsatypes.Interval, resamplePlan, error) {
	for _, s := range supported {
		if s == requested {
			return requested, resamplePlan{}, nil
		}
	}

	if reqMin, ok := requested.Minutes(); ok {
		var best borsatypes.Interval
		bestMin := -1
		for _, s := range supported {
			if m, ok := s.Minutes(); ok && m <= reqMin && reqMin%m == 0 && m > bestMin {
				best, bestMin = s, m
			}
		}
		if bestMin > 0 {
			return best, resamplePlan{kind: planMinutes, minutes: reqMin}, nil
		}
		return "", resamplePlan{}, &borsaerr.Unsupported{Capability: "history interval (intraday too fine for provider)"}
	}

	switch requested {
	case borsatypes.IntervalD1:
		for _, s := range supported {
			if s == borsatypes.IntervalD1 {
				return borsatypes.IntervalD1, resamplePlan{}, nil
			}
		}
		if eff, ok := coarsestIntraday(supported); ok {
			return eff, resamplePlan{kind: planDaily}, nil
		}
		return "", resamplePlan{}, &borsaerr.Unsupported{Capability: "history interval (daily requires daily or intraday)"}
	case borsatypes.IntervalW1:
		for _, s := range supported {
			if s == borsatypes.IntervalW1 {
				return borsatypes.IntervalW1, resamplePlan{}, nil
			}
		}
		for _, s := range supported {
			if s == borsatypes.IntervalD1 {
				return borsatypes.IntervalD1, resamplePlan{kind: planWeekly}, nil
			}
		}
		if eff, ok := coarsestIntraday(supported); ok {
			return eff, resamplePlan{kind: planWeekly}, nil
		}
		return "", resamplePlan{}, &borsaerr.Unsupported{Capability: "history interval (weekly requires weekly/daily/intraday)"}
	default:
		// Generic calendar intervals (D5, M1, M3, ...) pass through
		// unemulated; an unsupported provider fails normally downstream.
		return requested, resamplePlan{}, nil
	}
}

func coarsestIntraday(supported []borsatypes.Interval) (borsatypes.Interval, bool) {
	var best borsatypes.Interval
	bestMin := -1
	for _, s := range supported {
		if m, ok := s.Minutes(); ok && m > bestMin {
			best, bestMin = s, m
		}
	}
	return best, bestMin >= 0
}

type indexedConnector struct {
	idx int
	c   connector.Connector
}

type taskResult struct {
	idx    int
	name   string
	resp   borsatypes.HistoryResponse
	err    error
	plan   resamplePlan
}

func eligibleHistoryConnectors(bo *orchestrator.Borsa, inst borsatypes.Instrument) ([]indexedConnector, error) {
	ordered := bo.Ordered(inst)
	eligible := make([]indexedConnector, 0, len(ordered))
	for idx, c := range ordered {
		if !c.SupportsKind(inst.Kind) {
			continue
		}
		if _, ok := connector.AsHistoryProvider(c); ok {
			eligible = append(eligible, indexedConnector{idx: idx, c: c})
		}
	}
	if len(eligible) == 0 {
		return nil, &borsaerr.Unsupported{Capability: "history"}
	}
	return eligible, nil
}

func buildEffectiveRequest(c connector.Connector, kind borsatypes.AssetKind, req connector.HistoryRequest) (connector.HistoryRequest, resamplePlan, error) {
	hp, _ := connector.AsHistoryProvider(c)
	supported := hp.SupportedIntervals(kind)
	eff, plan, err := chooseEffectiveInterval(supported, req.Interval)
	if err != nil {
		return connector.HistoryRequest{}, resamplePlan{}, err
	}
	out := req
	out.Interval = eff
	return out, plan, nil
}

func callHistory(ctx context.Context, c connector.Connector, inst borsatypes.Instrument, req connector.HistoryRequest, timeout time.Duration) (borsatypes.HistoryResponse, error) {
	hp, _ := connector.AsHistoryProvider(c)
	req.Instrument = inst

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		resp borsatypes.HistoryResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := hp.GetHistory(timeoutCtx, req)
		ch <- result{resp: resp, err: err}
	}()
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-timeoutCtx.Done():
		return borsatypes.HistoryResponse{}, &borsaerr.ProviderTimeout{Connector: c.Name(), Capability: "history"}
	}
}

func spawnHistoryTask(ctx context.Context, ic indexedConnector, inst borsatypes.Instrument, req connector.HistoryRequest, timeout time.Duration) taskResult {
	effReq, plan, err := buildEffectiveRequest(ic.c, inst.Kind, req)
	if err != nil {
		return taskResult{idx: ic.idx, name: ic.c.Name(), err: err}
	}
	resp, err := callHistory(ctx, ic.c, inst, effReq, timeout)
	return taskResult{idx: ic.idx, name: ic.c.Name(), resp: resp, err: err, plan: plan}
}

func parallelHistory(ctx context.Context, eligible []indexedConnector, inst borsatypes.Instrument, req connector.HistoryRequest, timeout time.Duration) []taskResult {
	ch := make(chan taskResult, len(eligible))
	for _, ic := range eligible {
		ic := ic
		go func() { ch <- spawnHistoryTask(ctx, ic, inst, req, timeout) }()
	}
	out := make([]taskResult, len(eligible))
	for i := range out {
		out[i] = <-ch
	}
	return out
}

func sequentialHistory(ctx context.Context, eligible []indexedConnector, inst borsatypes.Instrument, req connector.HistoryRequest, timeout time.Duration) []taskResult {
	var out []taskResult
	for _, ic := range eligible {
		r := spawnHistoryTask(ctx, ic, inst, req, timeout)
		out = append(out, r)
		if r.err == nil && len(r.resp.Candles) > 0 {
			break
		}
	}
	return out
}

func fetchJoinedHistory(ctx context.Context, bo *orchestrator.Borsa, eligible []indexedConnector, inst borsatypes.Instrument, req connector.HistoryRequest) ([]taskResult, error) {
	cfg := bo.Config()
	compute := func() []taskResult {
		if cfg.MergeHistoryStrategy == orchestrator.Deep {
			return parallelHistory(ctx, eligible, inst, req, cfg.ProviderTimeout)
		}
		return sequentialHistory(ctx, eligible, inst, req, cfg.ProviderTimeout)
	}
	if cfg.RequestTimeout == nil {
		return compute(), nil
	}

	type out struct{ results []taskResult }
	ch := make(chan out, 1)
	go func() { ch <- out{results: compute()} }()
	select {
	case o := <-ch:
		return o.results, nil
	case <-time.After(*cfg.RequestTimeout):
		return nil, &borsaerr.RequestTimeout{Capability: "history"}
	}
}

type historyOk struct {
	idx  int
	name string
	resp borsatypes.HistoryResponse
}

func collectSuccesses(joined []taskResult) ([]historyOk, []borsaerr.Error) {
	var okResults []historyOk
	var errs []borsaerr.Error
	for _, r := range joined {
		if r.err != nil {
			if _, ok := r.err.(*borsaerr.NotFound); ok {
				continue
			}
			be, ok := r.err.(borsaerr.Error)
			if !ok {
				be = &borsaerr.Other{Message: r.err.Error()}
			}
			errs = append(errs, connector.TagErr(r.name, be))
			continue
		}
		if len(r.resp.Candles) == 0 {
			continue
		}
		resp := r.resp
		if err := applyResamplePlan(&resp, r.plan); err != nil {
			errs = append(errs, connector.TagErr(r.name, err))
			continue
		}
		okResults = append(okResults, historyOk{idx: r.idx, name: r.name, resp: resp})
	}
	return okResults, errs
}

func applyResamplePlan(resp *borsatypes.HistoryResponse, plan resamplePlan) borsaerr.Error {
	var candles []borsatypes.Candle
	var err error
	switch plan.kind {
	case planMinutes:
		candles, err = timeseries.ResampleToMinutes(resp.Candles, resp.Meta, plan.minutes)
	case planDaily:
		candles, err = timeseries.ResampleToDaily(resp.Candles, resp.Meta)
	case planWeekly:
		candles, err = timeseries.ResampleToWeekly(resp.Candles, resp.Meta)
	default:
		return nil
	}
	if err != nil {
		if be, ok := err.(borsaerr.Error); ok {
			return be
		}
		return &borsaerr.Other{Message: err.Error()}
	}
	resp.Candles = candles
	for i := range resp.Candles {
		resp.Candles[i].CloseUnadj = nil
	}
	return nil
}

func filterAdjustedness(preferAdjusted bool, results []historyOk) []historyOk {
	if len(results) == 0 {
		return nil
	}
	if preferAdjusted {
		anyAdjusted := false
		for _, r := range results {
			if r.resp.Adjusted {
				anyAdjusted = true
				break
			}
		}
		if anyAdjusted {
			out := make([]historyOk, 0, len(results))
			for _, r := range results {
				if r.resp.Adjusted {
					out = append(out, r)
				}
			}
			return out
		}
	}
	target := results[0].resp.Adjusted
	out := make([]historyOk, 0, len(results))
	for _, r := range results {
		if r.resp.Adjusted == target {
			out = append(out, r)
		}
	}
	return out
}

func orderResults(preferAdjusted bool, results []historyOk) {
	if preferAdjusted {
		sort.SliceStable(results, func(i, j int) bool {
			ai, aj := results[i].resp.Adjusted, results[j].resp.Adjusted
			if ai != aj {
				return ai && !aj
			}
			return results[i].idx < results[j].idx
		})
	} else {
		sort.SliceStable(results, func(i, j int) bool { return results[i].idx < results[j].idx })
	}
}

func buildAttribution(results []historyOk, symbol string) borsatypes.Attribution {
	attr := borsatypes.Attribution{Symbol: symbol}
	seen := make(map[int64]bool)

	for _, r := range results {
		step, haveStep := timeseries.EstimateStepSeconds(r.resp.Candles)
		sorted := append([]borsatypes.Candle(nil), r.resp.Candles...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

		var runStart, lastKept int64
		haveRun := false
		flush := func() {
			if haveRun {
				attr.Spans = append(attr.Spans, borsatypes.AttributionEntry{
					Connector: borsatypes.ConnectorKey(r.name),
					Span:      borsatypes.Span{StartSec: runStart, EndSec: lastKept},
				})
			}
		}
		for _, c := range sorted {
			ts := c.Timestamp.Unix()
			if seen[ts] {
				continue
			}
			seen[ts] = true
			if !haveRun {
				runStart, lastKept, haveRun = ts, ts, true
				continue
			}
			if haveStep && ts-lastKept == step {
				lastKept = ts
				continue
			}
			flush()
			runStart, lastKept = ts, ts
		}
		flush()
	}
	return attr
}

func mergeHistoryOrTagConnectorError(results []historyOk) (borsatypes.HistoryResponse, error) {
	if len(results) == 1 {
		return results[0].resp, nil
	}
	responses := make([]borsatypes.HistoryResponse, len(results))
	for i, r := range results {
		responses[i] = r.resp
	}
	merged, err := timeseries.MergeHistory(responses)
	if err != nil {
		if de, ok := err.(*borsaerr.Data); ok && de.Message == "mixed-currency history" {
			return borsatypes.HistoryResponse{}, identifyFaultyProvider(results)
		}
		return borsatypes.HistoryResponse{}, err
	}
	for i := range merged.Candles {
		merged.Candles[i].CloseUnadj = nil
	}
	return merged, nil
}

// identifyFaultyProvider names the connector responsible for a mixed-
// currency merge failure: the one whose own series is internally
// inconsistent, else the one whose currency diverges from the majority.
func identifyFaultyProvider(results []historyOk) error {
	perProviderCurrency := make(map[string]string)
	consistentProvider := make(map[string]bool)
	for _, r := range results {
		var cur string
		consistent := true
		for _, c := range r.resp.Candles {
			oc := c.Open.Currency
			if cur == "" {
				cur = oc
			}
			if cur != oc || oc != c.High.Currency || oc != c.Low.Currency || oc != c.Close.Currency {
				consistent = false
				break
			}
		}
		perProviderCurrency[r.name] = cur
		consistentProvider[r.name] = consistent
	}
	for name, ok := range consistentProvider {
		if !ok {
			return &borsaerr.Connector{Name: name, Inner: &borsaerr.Data{Message: "inconsistent currency data"}}
		}
	}
	counts := make(map[string]int)
	for _, cur := range perProviderCurrency {
		counts[cur]++
	}
	var majority string
	best := -1
	for cur, n := range counts {
		if n > best {
			majority, best = cur, n
		}
	}
	for name, cur := range perProviderCurrency {
		if cur != majority {
			return &borsaerr.Connector{Name: name, Inner: &borsaerr.Data{Message: "inconsistent currency data"}}
		}
	}
	fallback := results[len(results)-1].name
	return &borsaerr.Connector{Name: fallback, Inner: &borsaerr.Data{Message: "inconsistent currency data"}}
}

func applyFinalResample(bo *orchestrator.Borsa, merged *borsatypes.HistoryResponse) error {
	cfg := bo.Config()
	willResample := cfg.Resampling != orchestrator.ResampleNone ||
		(cfg.AutoResampleSubdailyToDaily && timeseries.IsSubdaily(merged.Candles))
	if willResample {
		for i := range merged.Candles {
			merged.Candles[i].CloseUnadj = nil
		}
	}

	var candles []borsatypes.Candle
	var err error
	switch {
	case cfg.Resampling == orchestrator.ResampleWeekly:
		candles, err = timeseries.ResampleToWeekly(merged.Candles, merged.Meta)
	case cfg.Resampling == orchestrator.ResampleDaily, cfg.AutoResampleSubdailyToDaily && timeseries.IsSubdaily(merged.Candles):
		candles, err = timeseries.ResampleToDaily(merged.Candles, merged.Meta)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	merged.Candles = candles
	return nil
}

func finalizeHistoryResults(bo *orchestrator.Borsa, joined []taskResult, symbol string) (borsatypes.HistoryResponse, borsatypes.Attribution, error) {
	attempts := len(joined)
	results, errs := collectSuccesses(joined)
	if len(results) == 0 {
		if len(errs) == 0 {
			return borsatypes.HistoryResponse{}, borsatypes.Attribution{}, &borsaerr.NotFound{What: "history for " + symbol}
		}
		if len(errs) == attempts && allProviderTimeouts(errs) {
			return borsatypes.HistoryResponse{}, borsatypes.Attribution{}, &borsaerr.AllProvidersTimedOut{Capability: "history"}
		}
		return borsatypes.HistoryResponse{}, borsatypes.Attribution{}, &borsaerr.AllProvidersFailed{Errors: errs}
	}

	cfg := bo.Config()
	orderResults(cfg.PreferAdjustedHistory, results)
	filtered := filterAdjustedness(cfg.PreferAdjustedHistory, results)
	attr := buildAttribution(filtered, symbol)
	merged, err := mergeHistoryOrTagConnectorError(filtered)
	if err != nil {
		return borsatypes.HistoryResponse{}, borsatypes.Attribution{}, err
	}
	if err := applyFinalResample(bo, &merged); err != nil {
		return borsatypes.HistoryResponse{}, borsatypes.Attribution{}, err
	}
	return merged, attr, nil
}

func allProviderTimeouts(errs []borsaerr.Error) bool {
	for _, e := range errs {
		if _, ok := e.(*borsaerr.ProviderTimeout); !ok {
			return false
		}
	}
	return true
}

// History fetches merged OHLCV+actions for inst, discarding attribution.
func History(ctx context.Context, bo *orchestrator.Borsa, inst borsatypes.Instrument, req connector.HistoryRequest) (borsatypes.HistoryResponse, error) {
	merged, _, err := HistoryWithAttribution(ctx, bo, inst, req)
	return merged, err
}

// HistoryWithAttribution is the router's main entry point, per §4.3.
func HistoryWithAttribution(ctx context.Context, bo *orchestrator.Borsa, inst borsatypes.Instrument, req connector.HistoryRequest) (borsatypes.HistoryResponse, borsatypes.Attribution, error) {
	eligible, err := eligibleHistoryConnectors(bo, inst)
	if err != nil {
		return borsatypes.HistoryResponse{}, borsatypes.Attribution{}, err
	}
	joined, err := fetchJoinedHistory(ctx, bo, eligible, inst, req)
	if err != nil {
		return borsatypes.HistoryResponse{}, borsatypes.Attribution{}, err
	}
	return finalizeHistoryResults(bo, joined, inst.Symbol)
}
