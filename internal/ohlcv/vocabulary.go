// internal/ohlcv/vocabulary.go

// Package ohlcv holds the canonical market-data vocabulary shared by every
// venue adapter: interval tokens, OHLCV field names, the Bar value and the
// immutable Series with its resampling algorithm.
package ohlcv

import (
	"fmt"
	"time"
)

// Interval is a canonical bar width token.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// Intervals returns every canonical interval, finest first.
func Intervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval30m, Interval1h, Interval4h, Interval1d}
}

// ParseInterval validates s against the canonical set.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if !iv.Valid() {
		return "", fmt.Errorf("ohlcv: unknown interval %q", s)
	}
	return iv, nil
}

// Valid reports whether iv belongs to the canonical set.
func (iv Interval) Valid() bool {
	_, ok := intervalDurations[iv]
	return ok
}

// Duration returns the bar width; zero for a non-canonical token.
func (iv Interval) Duration() time.Duration { return intervalDurations[iv] }

// Millis returns the bar width in milliseconds.
func (iv Interval) Millis() int64 { return iv.Duration().Milliseconds() }

func (iv Interval) String() string { return string(iv) }

// Canonical OHLCV field names. They are also the JSON keys of the wire shape.
const (
	FieldTimestamp = "timestamp"
	FieldOpen      = "open"
	FieldHigh      = "high"
	FieldLow       = "low"
	FieldClose     = "close"
	FieldVolume    = "volume"
)

// Fields lists the canonical field names in column order.
func Fields() []string {
	return []string{FieldTimestamp, FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}
}

// Kind is the data kind a live subscription carries.
type Kind string

const (
	KindOHLCV  Kind = "ohlcv"
	KindTrades Kind = "trades"
	KindDepth  Kind = "depth"
)

// ParseKind validates s; an empty string means KindOHLCV.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case "":
		return KindOHLCV, nil
	case KindOHLCV, KindTrades, KindDepth:
		return k, nil
	default:
		return "", fmt.Errorf("ohlcv: unknown kind %q", s)
	}
}
