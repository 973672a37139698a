package adapter

import (
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

// IntervalTable maps canonical intervals to a venue's native tokens.
// Intervals missing from the table are passed to the venue unchanged; the
// passthrough is logged and counted so a granularity mismatch is visible.
type IntervalTable struct {
	venue  string
	native map[ohlcv.Interval]string
	log    *logger.Logger
}

// NewIntervalTable copies m. A nil or empty m makes every interval pass through.
func NewIntervalTable(venue string, m map[ohlcv.Interval]string, log *logger.Logger) IntervalTable {
	cp := make(map[ohlcv.Interval]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return IntervalTable{venue: venue, native: cp, log: log}
}

// Native returns the venue token for iv.
func (t IntervalTable) Native(iv ohlcv.Interval) string {
	if tok, ok := t.native[iv]; ok {
		return tok
	}
	metrics.IntervalPassthrough.WithLabelValues(t.venue, string(iv)).Inc()
	t.log.Warn("interval not mapped, passing through",
		zap.String("venue", t.venue),
		zap.String("interval", string(iv)),
	)
	return string(iv)
}

// Mapped reports whether iv has an explicit entry.
func (t IntervalTable) Mapped(iv ohlcv.Interval) bool {
	_, ok := t.native[iv]
	return ok
}

// Unsupported logs and counts a subscription for a capability the venue
// does not offer and returns the no-op handle.
func Unsupported(venue string, kind ohlcv.Kind, symbol string, log *logger.Logger) Subscription {
	metrics.UnsupportedCapability.WithLabelValues(venue, string(kind)).Inc()
	log.Warn("capability not supported by venue, subscription ignored",
		zap.String("venue", venue),
		zap.String("kind", string(kind)),
		zap.String("symbol", symbol),
	)
	return NopSubscription
}
