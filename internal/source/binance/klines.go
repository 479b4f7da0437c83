// Package binance implements collectors backed by the Binance USDⓈ-M
// futures REST API.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/spf13/cast"

	"collectorflow/config"
	"collectorflow/internal/metrics/rate"
	"collectorflow/internal/models"
	"collectorflow/logger"
)

const (
	defaultBaseURL    = "https://fapi.binance.com"
	defaultKlineLimit = 500
	maxKlineLimit     = 1500
)

var intervals = map[time.Duration]string{
	time.Minute:        "1m",
	3 * time.Minute:    "3m",
	5 * time.Minute:    "5m",
	15 * time.Minute:   "15m",
	30 * time.Minute:   "30m",
	time.Hour:          "1h",
	2 * time.Hour:      "2h",
	4 * time.Hour:      "4h",
	6 * time.Hour:      "6h",
	8 * time.Hour:      "8h",
	12 * time.Hour:     "12h",
	24 * time.Hour:     "1d",
	3 * 24 * time.Hour: "3d",
	7 * 24 * time.Hour: "1w",
}

// intervalFor resolves the kline interval from params["interval"] or, when
// absent, from the collector granularity.
func intervalFor(c config.CollectorConfig) (string, time.Duration, error) {
	if raw := strings.TrimSpace(c.Params["interval"]); raw != "" {
		for d, name := range intervals {
			if name == raw {
				return name, d, nil
			}
		}
		return "", 0, &models.ConfigError{Field: "params.interval", Reason: fmt.Sprintf("unsupported kline interval %q", raw)}
	}
	if name, ok := intervals[c.Granularity]; ok {
		return name, c.Granularity, nil
	}
	return "", 0, &models.ConfigError{Field: "granularity", Reason: fmt.Sprintf("no kline interval matches %s", c.Granularity)}
}

// KlineFetcher fetches futures klines. One record is produced per symbol and
// candle open time; ObservedAt is the open time.
type KlineFetcher struct {
	client    *futures.Client
	collector string
	interval  string
	step      time.Duration
	limit     int
	// weightLimit is the REQUEST_WEIGHT per minute discovered by Prime.
	weightLimit atomic.Int64
	log         *logger.Log
	now         func() time.Time
}

// NewKlineFetcher builds a fetcher with a pooled HTTP client. Each response's
// used-weight header is reported as a metric.
func NewKlineFetcher(src config.BinanceSourceConfig, c config.CollectorConfig) (*KlineFetcher, error) {
	interval, step, err := intervalFor(c)
	if err != nil {
		return nil, err
	}
	limit := src.KlineLimit
	if limit <= 0 {
		limit = defaultKlineLimit
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	f := &KlineFetcher{
		collector: c.Name,
		interval:  interval,
		step:      step,
		limit:     limit,
		log:       logger.GetLogger(),
		now:       time.Now,
	}

	transport := &http.Transport{
		MaxIdleConns:    src.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost: src.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout: src.ConnectionPool.IdleConnTimeout,
	}
	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: &weightTransport{base: transport, fetcher: f},
		Timeout:   src.Timeout,
	}
	base := strings.TrimRight(strings.TrimSpace(src.URL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	client.BaseURL = base
	f.client = client

	f.log.WithComponent("binance_source").WithFields(logger.Fields{
		"collector":          c.Name,
		"interval":           interval,
		"limit":              limit,
		"base_url":           base,
		"max_idle_conns":     src.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": src.ConnectionPool.MaxConnsPerHost,
	}).Info("binance kline fetcher initialized")
	return f, nil
}

// Weight is the request weight of one kline page. Collectors size their
// fetch_cost from it.
func (f *KlineFetcher) Weight() int64 { return rate.KlineWeight(f.limit) }

// Prime looks up the account's request weight limit so remaining weight can
// be reported. Failure only disables that gauge.
func (f *KlineFetcher) Prime(ctx context.Context) {
	limit, err := rate.FetchRequestWeightLimit(ctx, f.client)
	if err != nil {
		f.log.WithComponent("binance_source").WithError(err).Warn("failed to fetch request weight limit")
		return
	}
	f.weightLimit.Store(limit)
	f.log.WithComponent("binance_source").WithFields(logger.Fields{"weight_limit": limit}).Debug("request weight limit discovered")
}

// Fetch returns the candles opening in [window.Start, window.End) for every
// symbol of the window, paging through the API as needed.
func (f *KlineFetcher) Fetch(ctx context.Context, window models.CollectionWindow) ([]models.Record, error) {
	if len(window.Symbols) == 0 {
		return nil, fmt.Errorf("kline window has no symbols")
	}
	var out []models.Record
	for _, symbol := range window.Symbols {
		recs, err := f.fetchSymbol(ctx, strings.ToUpper(symbol), window.Start, window.End)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (f *KlineFetcher) fetchSymbol(ctx context.Context, symbol string, start, end time.Time) ([]models.Record, error) {
	var out []models.Record
	from := start.UnixMilli()
	until := end.UnixMilli() - 1
	stepMs := f.step.Milliseconds()

	for from <= until {
		began := time.Now()
		klines, err := f.client.NewKlinesService().
			Symbol(symbol).
			Interval(f.interval).
			StartTime(from).
			EndTime(until).
			Limit(f.limit).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		logger.LogPerformanceEntry(f.log.WithComponent("binance_source"), "binance_source", "klines_request", time.Since(began), logger.Fields{
			"collector": f.collector,
			"symbol":    symbol,
			"candles":   len(klines),
		})

		last := int64(-1)
		for _, k := range klines {
			if k.OpenTime < start.UnixMilli() || k.OpenTime > until {
				continue
			}
			out = append(out, f.toRecord(symbol, k))
			last = k.OpenTime
		}
		if len(klines) < f.limit || last < 0 {
			break
		}
		from = last + stepMs
	}
	return out, nil
}

func (f *KlineFetcher) toRecord(symbol string, k *futures.Kline) models.Record {
	fields := map[string]interface{}{
		"trades":     k.TradeNum,
		"close_time": k.CloseTime,
		"closed":     k.CloseTime < f.now().UnixMilli(),
	}
	for name, raw := range map[string]string{
		"open":            k.Open,
		"high":            k.High,
		"low":             k.Low,
		"close":           k.Close,
		"volume":          k.Volume,
		"quote_volume":    k.QuoteAssetVolume,
		"taker_buy_base":  k.TakerBuyBaseAssetVolume,
		"taker_buy_quote": k.TakerBuyQuoteAssetVolume,
	} {
		// Unparseable values are left out so required-field scoring flags them.
		if v, err := cast.ToFloat64E(raw); err == nil && raw != "" {
			fields[name] = v
		}
	}
	return models.Record{
		EntityKey:  symbol,
		ObservedAt: time.UnixMilli(k.OpenTime).UTC(),
		Fields:     fields,
	}
}

type weightTransport struct {
	base    http.RoundTripper
	fetcher *KlineFetcher
}

func (t *weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	rate.ReportUsedWeight(t.fetcher.log, resp.Header, t.fetcher.weightLimit.Load(), t.fetcher.collector)
	return resp, nil
}
