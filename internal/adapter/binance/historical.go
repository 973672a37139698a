package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/segmentio/encoding/json"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/venuehttp"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

// Historical fetches klines over REST.
type Historical struct {
	client    *venuehttp.Client
	intervals adapter.IntervalTable
	limit     int
}

var _ adapter.HistoricalAdapter = (*Historical)(nil)

// NewHistorical builds the REST adapter. httpClient may be nil.
func NewHistorical(cfg Config, httpClient *http.Client, log *logger.Logger) (*Historical, error) {
	cfg.ApplyDefaults()
	log = log.Named(Venue)
	client, err := venuehttp.New(venuehttp.Config{
		Venue:     Venue,
		BaseURL:   cfg.RESTURL,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Breaker:   cfg.Breaker,
	}, httpClient, log)
	if err != nil {
		return nil, err
	}
	return &Historical{client: client, intervals: newIntervalTable(log), limit: cfg.Limit}, nil
}

// FetchHistoricalBars returns the most recent klines, oldest first.
func (h *Historical) FetchHistoricalBars(ctx context.Context, symbol string, interval ohlcv.Interval) (*ohlcv.Series, error) {
	q := url.Values{
		"symbol":   {StandardizeSymbol(symbol)},
		"interval": {h.intervals.Native(interval)},
		"limit":    {strconv.Itoa(h.limit)},
	}
	var rows [][]json.RawMessage
	if err := h.client.GetJSON(ctx, "/api/v3/klines", q, &rows); err != nil {
		return nil, err
	}
	return parseKlines(rows)
}

// parseKlines converts
//
//	[[openTime, "open", "high", "low", "close", "volume", closeTime, ...], ...]
//
// into a series.
func parseKlines(rows [][]json.RawMessage) (*ohlcv.Series, error) {
	n := len(rows)
	ts := make([]int64, 0, n)
	cols := [5][]float64{}
	for i := range cols {
		cols[i] = make([]float64, 0, n)
	}

	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("binance: kline %d: %d fields, want ≥ 6", i, len(row))
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("binance: kline %d: open time: %w", i, err)
		}
		ts = append(ts, openTime)
		for j := 0; j < 5; j++ {
			var raw string
			if err := json.Unmarshal(row[j+1], &raw); err != nil {
				return nil, fmt.Errorf("binance: kline %d: %s: %w", i, ohlcv.Fields()[j+1], err)
			}
			v, err := venuehttp.ParseFloat(raw)
			if err != nil {
				return nil, fmt.Errorf("binance: kline %d: %s: %w", i, ohlcv.Fields()[j+1], err)
			}
			cols[j] = append(cols[j], v)
		}
	}
	return ohlcv.NewSeries(ts, cols[0], cols[1], cols[2], cols[3], cols[4])
}
