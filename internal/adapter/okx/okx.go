// internal/adapter/okx/okx.go

// Package okx implements the OKX spot adapters: REST candles for history and
// the business WebSocket channel for live candles. Trades and depth are not
// offered by this adapter.
package okx

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
const Venue = "okx"

const (
	DefaultRESTURL = "https://www.okx.com"
	DefaultWSURL   = "wss://ws.okx.com:8443/ws/v5/business"

	maxLimit = 300
)

// Config holds OKX connection settings.
type Config struct {
	RESTURL     string                  `mapstructure:"rest_url"`
	WSURL       string                  `mapstructure:"ws_url"`
	Limit       int                     `mapstructure:"limit"`
	RateLimit   float64                 `mapstructure:"rate_limit"`
	RateBurst   int                     `mapstructure:"rate_burst"`
	ReadTimeout time.Duration           `mapstructure:"read_timeout"`
	ClosedOnly  bool                    `mapstructure:"closed_only"`
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
	if c.Limit <= 0 || c.Limit > maxLimit {
		c.Limit = maxLimit
	}
	if c.ReadTimeout <= 0 {
		// OKX рвёт соединение после 30s тишины
		c.ReadTimeout = 25 * time.Second
	}
}

var nativeIntervals = map[ohlcv.Interval]string{
	ohlcv.Interval1m:  "1m",
	ohlcv.Interval5m:  "5m",
	ohlcv.Interval15m: "15m",
	ohlcv.Interval30m: "30m",
	ohlcv.Interval1h:  "1H",
	ohlcv.Interval4h:  "4H",
	ohlcv.Interval1d:  "1Dutc",
}

func newIntervalTable(log *logger.Logger) adapter.IntervalTable {
	return adapter.NewIntervalTable(Venue, nativeIntervals, log)
}

// quote currencies recognised when a symbol comes without a separator.
var quotes = []string{"USDT", "USDC", "USD", "BTC", "ETH", "EUR"}

// StandardizeSymbol converts "btc/usdt", "BTC_USDT" or "BTCUSDT" into the
// OKX instrument id "BTC-USDT". Unknown compact forms are returned upper-cased.
func StandardizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "-", "_", "-").Replace(s)
	if strings.Contains(s, "-") {
		return s
	}
	for _, q := range quotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return s[:len(s)-len(q)] + "-" + q
		}
	}
	return s
}

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
