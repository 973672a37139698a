// internal/adapter/polygon/polygon.go

// Package polygon implements a history-only adapter for US equities through
// the Polygon.io aggregates endpoint. It plays the stock-broker role: there
// is no live feed, and the broker's timeframe table has no 4-hour bar.
package polygon

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/venuehttp"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

// Venue is the registry identifier.
const Venue = "polygon"

const (
	DefaultRESTURL = "https://api.polygon.io"

	maxLimit = 50000
)

// Config holds Polygon settings.
type Config struct {
	RESTURL   string                  `mapstructure:"rest_url"`
	APIKey    string                  `mapstructure:"api_key"`
	Limit     int                     `mapstructure:"limit"`
	RateLimit float64                 `mapstructure:"rate_limit"`
	RateBurst int                     `mapstructure:"rate_burst"`
	Breaker   venuehttp.BreakerConfig `mapstructure:"breaker"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.RESTURL == "" {
		c.RESTURL = DefaultRESTURL
	}
	if c.Limit <= 0 {
		c.Limit = 500
	}
	if c.Limit > maxLimit {
		c.Limit = maxLimit
	}
}

// Tokens are "{multiplier}/{timespan}" path segments.
var nativeIntervals = map[ohlcv.Interval]string{
	ohlcv.Interval1m:  "1/minute",
	ohlcv.Interval5m:  "5/minute",
	ohlcv.Interval15m: "15/minute",
	ohlcv.Interval30m: "30/minute",
	ohlcv.Interval1h:  "1/hour",
	ohlcv.Interval1d:  "1/day",
}

// StandardizeSymbol upper-cases a ticker ("aapl" → "AAPL").
func StandardizeSymbol(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// APIError is a 200 response with status "ERROR" or "NOT_AUTHORIZED".
type APIError struct {
	Status string
	Msg    string
}

func (e *APIError) Error() string { return fmt.Sprintf("polygon: %s: %s", e.Status, e.Msg) }

type aggsResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Results []struct {
		T int64   `json:"t"`
		O float64 `json:"o"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		C float64 `json:"c"`
		V float64 `json:"v"`
	} `json:"results"`
}

// Historical fetches aggregate bars.
type Historical struct {
	client    *venuehttp.Client
	intervals adapter.IntervalTable
	limit     int
	now       func() time.Time
}

var _ adapter.HistoricalAdapter = (*Historical)(nil)

// NewHistorical builds the REST adapter. httpClient may be nil.
func NewHistorical(cfg Config, httpClient *http.Client, log *logger.Logger) (*Historical, error) {
	cfg.ApplyDefaults()
	log = log.Named(Venue)

	var headers map[string]string
	if cfg.APIKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	client, err := venuehttp.New(venuehttp.Config{
		Venue:     Venue,
		BaseURL:   cfg.RESTURL,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Headers:   headers,
		Breaker:   cfg.Breaker,
	}, httpClient, log)
	if err != nil {
		return nil, err
	}
	return &Historical{
		client:    client,
		intervals: adapter.NewIntervalTable(Venue, nativeIntervals, log),
		limit:     cfg.Limit,
		now:       time.Now,
	}, nil
}

// New builds the descriptor; Polygon has no stream adapter.
func New(cfg Config, log *logger.Logger) (*adapter.Descriptor, error) {
	hist, err := NewHistorical(cfg, nil, log)
	if err != nil {
		return nil, err
	}
	return &adapter.Descriptor{Venue: Venue, Historical: hist}, nil
}

// FetchHistoricalBars requests the window covering the last limit bars of
// interval, ascending.
func (h *Historical) FetchHistoricalBars(ctx context.Context, symbol string, interval ohlcv.Interval) (*ohlcv.Series, error) {
	to := h.now().UTC()
	span := interval.Duration()
	if span <= 0 {
		span = time.Minute
	}
	from := to.Add(-time.Duration(h.limit) * span)

	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/%s/%d/%d",
		url.PathEscape(StandardizeSymbol(symbol)),
		h.intervals.Native(interval),
		from.UnixMilli(), to.UnixMilli(),
	)
	q := url.Values{
		"adjusted": {"true"},
		"sort":     {"asc"},
		"limit":    {strconv.Itoa(h.limit)},
	}

	var resp aggsResponse
	if err := h.client.GetJSON(ctx, path, q, &resp); err != nil {
		return nil, err
	}
	switch resp.Status {
	case "OK", "DELAYED", "":
	default:
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		return nil, &APIError{Status: resp.Status, Msg: msg}
	}

	bars := make([]ohlcv.Bar, 0, len(resp.Results))
	for _, r := range resp.Results {
		bars = append(bars, ohlcv.Bar{Timestamp: r.T, Open: r.O, High: r.H, Low: r.L, Close: r.C, Volume: r.V})
	}
	return ohlcv.SeriesFromBars(bars).Sorted(), nil
}
