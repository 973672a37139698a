// internal/adapter/binance/binance.go

// Package binance implements the historical and stream adapters for the
// Binance spot market (REST /api/v3/klines and the raw-stream WebSocket).
package binance

import (
	"strings"
	"time"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/venuehttp"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

// Venue is the registry identifier.
const Venue = "binance"

const (
	DefaultRESTURL = "https://api.binance.com"
	DefaultWSURL   = "wss://stream.binance.com:9443/ws"

	maxLimit = 1000
)

// Config holds Binance connection settings.
type Config struct {
	RESTURL     string                  `mapstructure:"rest_url"`
	WSURL       string                  `mapstructure:"ws_url"`
	Limit       int                     `mapstructure:"limit"` // bars per backfill, ≤ 1000
	RateLimit   float64                 `mapstructure:"rate_limit"`
	RateBurst   int                     `mapstructure:"rate_burst"`
	ReadTimeout time.Duration           `mapstructure:"read_timeout"`
	ClosedOnly  bool                    `mapstructure:"closed_only"` // emit only final klines
	Backoff     backoff.Config          `mapstructure:"backoff"`
	Breaker     venuehttp.BreakerConfig `mapstructure:"breaker"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.RESTURL == "" {
		c.RESTURL = DefaultRESTURL
	}
	if c.WSURL == "" {
		c.WSURL = DefaultWSURL
	}
	if c.Limit <= 0 {
		c.Limit = 500
	}
	if c.Limit > maxLimit {
		c.Limit = maxLimit
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
}

// Binance uses the canonical tokens verbatim.
var nativeIntervals = map[ohlcv.Interval]string{
	ohlcv.Interval1m:  "1m",
	ohlcv.Interval5m:  "5m",
	ohlcv.Interval15m: "15m",
	ohlcv.Interval30m: "30m",
	ohlcv.Interval1h:  "1h",
	ohlcv.Interval4h:  "4h",
	ohlcv.Interval1d:  "1d",
}

func newIntervalTable(log *logger.Logger) adapter.IntervalTable {
	return adapter.NewIntervalTable(Venue, nativeIntervals, log)
}

// StandardizeSymbol converts user input ("btc/usdt", "btcusdt") to the
// REST form "BTCUSDT".
func StandardizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}

// streamSymbol is the lower-case form used in stream names.
func streamSymbol(symbol string) string { return strings.ToLower(StandardizeSymbol(symbol)) }

// New builds the descriptor with both adapters.
func New(cfg Config, log *logger.Logger) (*adapter.Descriptor, error) {
	hist, err := NewHistorical(cfg, nil, log)
	if err != nil {
		return nil, err
	}
	stream, err := NewStream(cfg, log)
	if err != nil {
		return nil, err
	}
	return &adapter.Descriptor{Venue: Venue, Historical: hist, Stream: stream}, nil
}
