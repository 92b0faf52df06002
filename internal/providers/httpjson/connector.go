// Package httpjson implements a generic JSON-over-HTTP connector: the
// concrete Connector implementation cmd/borsad wires by default,
// parameterized by base URL and a small set of path templates so the same
// code serves any quote/history/search/isin/profile API that returns the
// shapes this package expects.
//
// Grounded on providers/kraken.Client: an *http.Client with a dedicated
// Transport (bounded idle connections), a per-host internal/net/ratelimit
// limiter gating every outbound call, and context-aware request
// construction throughout.
package httpjson

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sawpanic/borsa/internal/borsaerr"
	"github.com/sawpanic/borsa/internal/borsatypes"
	"github.com/sawpanic/borsa/internal/connector"
	"github.com/sawpanic/borsa/internal/net/ratelimit"
)

// Config describes one JSON HTTP provider.
type Config struct {
	Name            string
	BaseURL         string
	Kinds           []borsatypes.AssetKind
	SupportedIntraday []borsatypes.Interval // e.g. 1m, 5m, 60m
	SupportedDaily    bool
	RPS             float64
	Burst           int
	UserAgent       string
}

// Connector is a single JSON HTTP provider registered under Config.Name.
type Connector struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	kinds   map[borsatypes.AssetKind]bool
}

func New(cfg Config) *Connector {
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "borsa/1.0"
	}
	kinds := make(map[borsatypes.AssetKind]bool, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds[k] = true
	}
	return &Connector{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: ratelimit.NewLimiter(cfg.RPS, cfg.Burst),
		kinds:   kinds,
	}
}

func (c *Connector) Name() string { return c.cfg.Name }

// Kinds returns the asset kinds this connector was configured to serve,
// for callers (e.g. cmd/borsad) that need to enumerate streaming
// coverage without going through SupportsKind per candidate kind.
func (c *Connector) Kinds() []borsatypes.AssetKind {
	out := make([]borsatypes.AssetKind, 0, len(c.kinds))
	for k := range c.kinds {
		out = append(out, k)
	}
	return out
}

func (c *Connector) SupportsKind(kind borsatypes.AssetKind) bool {
	if len(c.kinds) == 0 {
		return true
	}
	return c.kinds[kind]
}

func (c *Connector) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx, c.cfg.BaseURL); err != nil {
		return &borsaerr.Other{Message: "rate limiter: " + err.Error()}
	}

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &borsaerr.Other{Message: err.Error()}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &borsaerr.Other{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &borsaerr.NotFound{What: path}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &borsaerr.RateLimitExceeded{Limit: uint64(c.cfg.RPS), WindowMs: 1000}
	}
	if resp.StatusCode >= 500 {
		return &borsaerr.Data{Message: fmt.Sprintf("upstream %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return &borsaerr.InvalidArg{Message: fmt.Sprintf("upstream %d", resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &borsaerr.Data{Message: "decode: " + err.Error()}
	}
	return nil
}

type quoteWire struct {
	Price         *float64 `json:"price"`
	PreviousClose *float64 `json:"previous_close"`
	Currency      string   `json:"currency"`
	MarketState   string   `json:"market_state"`
}

func (c *Connector) GetQuote(ctx context.Context, inst borsatypes.Instrument) (connector.Quote, error) {
	var wire quoteWire
	if err := c.get(ctx, "/v1/quote/"+url.PathEscape(inst.Symbol), nil, &wire); err != nil {
		return connector.Quote{}, err
	}
	return connector.Quote{
		Symbol:        inst.Symbol,
		Price:         wire.Price,
		PreviousClose: wire.PreviousClose,
		Currency:      wire.Currency,
		MarketState:   wire.MarketState,
	}, nil
}

type profileWire struct {
	LongName    string `json:"long_name"`
	Description string `json:"description"`
	Isin        string `json:"isin"`
}

func (c *Connector) GetProfile(ctx context.Context, inst borsatypes.Instrument) (connector.Profile, error) {
	var wire profileWire
	if err := c.get(ctx, "/v1/profile/"+url.PathEscape(inst.Symbol), nil, &wire); err != nil {
		return connector.Profile{}, err
	}
	return connector.Profile{
		Symbol:      inst.Symbol,
		LongName:    wire.LongName,
		Description: wire.Description,
		Isin:        wire.Isin,
	}, nil
}

func (c *Connector) GetIsin(ctx context.Context, inst borsatypes.Instrument) (string, error) {
	var wire struct {
		Isin string `json:"isin"`
	}
	if err := c.get(ctx, "/v1/isin/"+url.PathEscape(inst.Symbol), nil, &wire); err != nil {
		return "", err
	}
	if wire.Isin == "" {
		return "", &borsaerr.NotFound{What: "isin for " + inst.Symbol}
	}
	return wire.Isin, nil
}

func (c *Connector) SupportedIntervals(kind borsatypes.AssetKind) []borsatypes.Interval {
	if !c.SupportsKind(kind) {
		return nil
	}
	out := append([]borsatypes.Interval(nil), c.cfg.SupportedIntraday...)
	if c.cfg.SupportedDaily {
		out = append(out, borsatypes.IntervalD1)
	}
	return out
}

type candleWire struct {
	TimestampUnix int64   `json:"t"`
	Open          float64 `json:"o"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Close         float64 `json:"c"`
	Volume        *int64  `json:"v"`
}

type historyWire struct {
	Candles  []candleWire `json:"candles"`
	Currency string       `json:"currency"`
	Adjusted bool         `json:"adjusted"`
	Timezone string       `json:"timezone"`
}

func (c *Connector) GetHistory(ctx context.Context, req connector.HistoryRequest) (borsatypes.HistoryResponse, error) {
	q := url.Values{}
	q.Set("interval", string(req.Interval))
	if req.RangeStartSec != nil {
		q.Set("start", strconv.FormatInt(*req.RangeStartSec, 10))
	}
	if req.RangeEndSec != nil {
		q.Set("end", strconv.FormatInt(*req.RangeEndSec, 10))
	}
	q.Set("auto_adjust", strconv.FormatBool(req.AutoAdjust))

	var wire historyWire
	if err := c.get(ctx, "/v1/history/"+url.PathEscape(req.Instrument.Symbol), q, &wire); err != nil {
		return borsatypes.HistoryResponse{}, err
	}

	candles := make([]borsatypes.Candle, 0, len(wire.Candles))
	for _, cw := range wire.Candles {
		candles = append(candles, borsatypes.Candle{
			Timestamp: time.Unix(cw.TimestampUnix, 0).UTC(),
			Open:      borsatypes.Money{Amount: cw.Open, Currency: wire.Currency},
			High:      borsatypes.Money{Amount: cw.High, Currency: wire.Currency},
			Low:       borsatypes.Money{Amount: cw.Low, Currency: wire.Currency},
			Close:     borsatypes.Money{Amount: cw.Close, Currency: wire.Currency},
			Volume:    cw.Volume,
		})
	}
	var meta *borsatypes.HistoryMeta
	if wire.Timezone != "" {
		meta = &borsatypes.HistoryMeta{Timezone: wire.Timezone}
	}
	return borsatypes.HistoryResponse{Candles: candles, Adjusted: wire.Adjusted, Meta: meta}, nil
}

type searchWire struct {
	Results []struct {
		Symbol   string `json:"symbol"`
		Exchange string `json:"exchange"`
		Name     string `json:"name"`
	} `json:"results"`
}

func (c *Connector) Search(ctx context.Context, query string, kind *borsatypes.AssetKind, limit int) ([]connector.SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	if kind != nil {
		q.Set("kind", string(*kind))
	}
	var wire searchWire
	if err := c.get(ctx, "/v1/search", q, &wire); err != nil {
		return nil, err
	}
	out := make([]connector.SearchResult, 0, len(wire.Results))
	for _, r := range wire.Results {
		out = append(out, connector.SearchResult{Symbol: r.Symbol, Exchange: r.Exchange, Name: r.Name})
	}
	return out, nil
}
