package okx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/venuehttp"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

// APIError is a 200 response whose envelope code is not "0".
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string { return fmt.Sprintf("okx: api error %s: %s", e.Code, e.Msg) }

type candlesResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// Historical fetches candles over REST.
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

// FetchHistoricalBars returns the most recent candles, oldest first.
func (h *Historical) FetchHistoricalBars(ctx context.Context, symbol string, interval ohlcv.Interval) (*ohlcv.Series, error) {
	q := url.Values{
		"instId": {StandardizeSymbol(symbol)},
		"bar":    {h.intervals.Native(interval)},
		"limit":  {strconv.Itoa(h.limit)},
	}
	var resp candlesResponse
	if err := h.client.GetJSON(ctx, "/api/v5/market/candles", q, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "0" {
		return nil, &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	return parseCandles(resp.Data)
}

// parseCandles converts [[ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm], ...]
// into a series. OKX returns newest first; the series is sorted.
func parseCandles(rows [][]string) (*ohlcv.Series, error) {
	bars := make([]ohlcv.Bar, 0, len(rows))
	for i, row := range rows {
		b, err := parseCandle(row)
		if err != nil {
			return nil, fmt.Errorf("okx: candle %d: %w", i, err)
		}
		bars = append(bars, b)
	}
	return ohlcv.SeriesFromBars(bars).Sorted(), nil
}

func parseCandle(row []string) (ohlcv.Bar, error) {
	if len(row) < 6 {
		return ohlcv.Bar{}, fmt.Errorf("%d fields, want ≥ 6", len(row))
	}
	ts, err := venuehttp.ParseInt(row[0])
	if err != nil {
		return ohlcv.Bar{}, fmt.Errorf("%s: %w", ohlcv.FieldTimestamp, err)
	}
	var vals [5]float64
	for j := range vals {
		v, err := venuehttp.ParseFloat(row[j+1])
		if err != nil {
			return ohlcv.Bar{}, fmt.Errorf("%s: %w", ohlcv.Fields()[j+1], err)
		}
		vals[j] = v
	}
	return ohlcv.Bar{Timestamp: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}, nil
}

// confirmed reports the candle's "confirm" flag; rows without it count as open.
func confirmed(row []string) bool { return len(row) > 8 && row[8] == "1" }
