// internal/ohlcv/bar.go
package ohlcv

import (
	"strconv"

	"github.com/segmentio/encoding/json"
)

// Bar is one canonical OHLCV price bar. Timestamp is the bar open time in
// milliseconds since the Unix epoch (UTC).
//
// low ≤ open,close ≤ high is not validated: venues occasionally violate it
// and the bar is relayed as reported.
type Bar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Key is the publish key of the bar: its timestamp in decimal form.
func (b Bar) Key() []byte { return strconv.AppendInt(nil, b.Timestamp, 10) }

// Encode renders the bar in its wire shape (one JSON object).
func (b Bar) Encode() ([]byte, error) { return json.Marshal(b) }

// DecodeBar parses the wire shape produced by Encode.
func DecodeBar(data []byte) (Bar, error) {
	var b Bar
	err := json.Unmarshal(data, &b)
	return b, err
}

// Side of the aggressor in a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is one executed trade as reported by a venue push feed.
type Trade struct {
	Timestamp int64   `json:"timestamp"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	TradeID   string  `json:"trade_id"`
	Side      Side    `json:"side"`
}

// Key returns the trade timestamp in decimal form.
func (t Trade) Key() []byte { return strconv.AppendInt(nil, t.Timestamp, 10) }

// Encode renders the trade as JSON.
func (t Trade) Encode() ([]byte, error) { return json.Marshal(t) }

// Level is one price level of an order book.
type Level struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// DepthUpdate is an incremental order-book update.
type DepthUpdate struct {
	Timestamp int64   `json:"timestamp"`
	Symbol    string  `json:"symbol"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
}

// Key returns the update timestamp in decimal form.
func (d DepthUpdate) Key() []byte { return strconv.AppendInt(nil, d.Timestamp, 10) }

// Encode renders the update as JSON.
func (d DepthUpdate) Encode() ([]byte, error) { return json.Marshal(d) }
