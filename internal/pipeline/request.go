// internal/pipeline/request.go
package pipeline

import (
	"fmt"
	"strings"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
)

// Request describes one (venue, symbol, interval) stream to maintain.
type Request struct {
	Venue    string         `mapstructure:"venue"`
	Symbol   string         `mapstructure:"symbol"`
	Interval ohlcv.Interval `mapstructure:"interval"`
	// Kind selects bars (default), trades or depth. Only bars are backfilled.
	Kind ohlcv.Kind `mapstructure:"kind"`
	// Destination overrides the derived destination name.
	Destination string `mapstructure:"destination"`
	// BackfillInterval, if set, fetches history at this finer interval and
	// resamples it to Interval before publishing.
	BackfillInterval ohlcv.Interval `mapstructure:"backfill_interval"`
}

// Destination renders the default bar destination "{venue}.ohlcv.{symbol}.{interval}".
func Destination(venue, symbol string, interval ohlcv.Interval) string {
	return fmt.Sprintf("%s.%s.%s.%s", venue, ohlcv.KindOHLCV, symbol, interval)
}

// KindDestination renders the destination for any kind; trades and depth
// have no interval segment.
func KindDestination(venue string, kind ohlcv.Kind, symbol string, interval ohlcv.Interval) string {
	if kind == ohlcv.KindOHLCV || kind == "" {
		return Destination(venue, symbol, interval)
	}
	return fmt.Sprintf("%s.%s.%s", venue, kind, symbol)
}

// Normalize validates r and fills Kind and Destination.
func (r Request) Normalize() (Request, error) {
	var errs []string
	if r.Venue == "" {
		errs = append(errs, "venue is required")
	}
	if r.Symbol == "" {
		errs = append(errs, "symbol is required")
	}
	kind, err := ohlcv.ParseKind(string(r.Kind))
	if err != nil {
		errs = append(errs, err.Error())
	}
	r.Kind = kind

	if kind == ohlcv.KindOHLCV {
		if !r.Interval.Valid() {
			errs = append(errs, fmt.Sprintf("invalid interval %q", r.Interval))
		}
		if r.BackfillInterval != "" {
			switch {
			case !r.BackfillInterval.Valid():
				errs = append(errs, fmt.Sprintf("invalid backfill_interval %q", r.BackfillInterval))
			case r.Interval.Valid() && r.BackfillInterval.Duration() >= r.Interval.Duration():
				errs = append(errs, fmt.Sprintf("backfill_interval %s must be finer than %s", r.BackfillInterval, r.Interval))
			}
		}
	}

	if len(errs) > 0 {
		return r, fmt.Errorf("pipeline: invalid request %s/%s: %s", r.Venue, r.Symbol, strings.Join(errs, "; "))
	}
	if r.Destination == "" {
		r.Destination = KindDestination(r.Venue, r.Kind, r.Symbol, r.Interval)
	}
	return r, nil
}

// fetchInterval is the interval requested from the historical adapter.
func (r Request) fetchInterval() ohlcv.Interval {
	if r.BackfillInterval != "" {
		return r.BackfillInterval
	}
	return r.Interval
}
