// internal/ohlcv/series.go
package ohlcv

import (
	"fmt"
	"sort"
	"strings"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// MalformedSeriesError is returned when the six columns of a series do not
// share one length.
type MalformedSeriesError struct {
	Lengths [6]int // in Fields() order
}

func (e *MalformedSeriesError) Error() string {
	parts := make([]string, 0, len(e.Lengths))
	for i, f := range Fields() {
		parts = append(parts, fmt.Sprintf("%s=%d", f, e.Lengths[i]))
	}
	return "ohlcv: malformed series: column lengths differ (" + strings.Join(parts, ", ") + ")"
}

// -----------------------------------------------------------------------------
// Series
// -----------------------------------------------------------------------------

// Series is an immutable sequence of bars stored as six parallel columns.
// Row order is whatever the producer supplied; it is not implicitly sorted.
// Every transformation returns a new Series.
type Series struct {
	ts                      []int64
	open, high, low, closes []float64
	volume                  []float64
}

// NewSeries copies the six columns into a new Series. Columns of unequal
// length yield *MalformedSeriesError and no series.
func NewSeries(ts []int64, open, high, low, closes, volume []float64) (*Series, error) {
	n := len(ts)
	if len(open) != n || len(high) != n || len(low) != n || len(closes) != n || len(volume) != n {
		return nil, &MalformedSeriesError{Lengths: [6]int{
			len(ts), len(open), len(high), len(low), len(closes), len(volume),
		}}
	}
	return &Series{
		ts:     append([]int64(nil), ts...),
		open:   append([]float64(nil), open...),
		high:   append([]float64(nil), high...),
		low:    append([]float64(nil), low...),
		closes: append([]float64(nil), closes...),
		volume: append([]float64(nil), volume...),
	}, nil
}

// SeriesFromBars builds a Series from row-oriented bars.
func SeriesFromBars(bars []Bar) *Series {
	s := newSeriesCap(len(bars))
	for _, b := range bars {
		s.appendBar(b)
	}
	return s
}

// EmptySeries returns a zero-length series.
func EmptySeries() *Series { return newSeriesCap(0) }

func newSeriesCap(n int) *Series {
	return &Series{
		ts:     make([]int64, 0, n),
		open:   make([]float64, 0, n),
		high:   make([]float64, 0, n),
		low:    make([]float64, 0, n),
		closes: make([]float64, 0, n),
		volume: make([]float64, 0, n),
	}
}

// appendBar is only used while a Series is being built and not yet shared.
func (s *Series) appendBar(b Bar) {
	s.ts = append(s.ts, b.Timestamp)
	s.open = append(s.open, b.Open)
	s.high = append(s.high, b.High)
	s.low = append(s.low, b.Low)
	s.closes = append(s.closes, b.Close)
	s.volume = append(s.volume, b.Volume)
}

// Len returns the number of rows.
func (s *Series) Len() int { return len(s.ts) }

// Empty reports whether the series has no rows.
func (s *Series) Empty() bool { return len(s.ts) == 0 }

// Bar returns row i.
func (s *Series) Bar(i int) Bar {
	return Bar{
		Timestamp: s.ts[i],
		Open:      s.open[i],
		High:      s.high[i],
		Low:       s.low[i],
		Close:     s.closes[i],
		Volume:    s.volume[i],
	}
}

// Bars returns all rows in series order.
func (s *Series) Bars() []Bar {
	out := make([]Bar, s.Len())
	for i := range out {
		out[i] = s.Bar(i)
	}
	return out
}

// Column accessors return copies.

func (s *Series) Timestamps() []int64 { return append([]int64(nil), s.ts...) }
func (s *Series) Opens() []float64    { return append([]float64(nil), s.open...) }
func (s *Series) Highs() []float64    { return append([]float64(nil), s.high...) }
func (s *Series) Lows() []float64     { return append([]float64(nil), s.low...) }
func (s *Series) Closes() []float64   { return append([]float64(nil), s.closes...) }
func (s *Series) Volumes() []float64  { return append([]float64(nil), s.volume...) }

// Equal reports whether both series hold the same rows in the same order.
func (s *Series) Equal(o *Series) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i := range s.ts {
		if s.Bar(i) != o.Bar(i) {
			return false
		}
	}
	return true
}

// Sorted returns a copy ordered by ascending timestamp. The sort is stable:
// rows sharing a timestamp keep their original relative order.
func (s *Series) Sorted() *Series {
	idx := make([]int, s.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return s.ts[idx[a]] < s.ts[idx[b]] })

	out := newSeriesCap(len(idx))
	for _, i := range idx {
		out.appendBar(s.Bar(i))
	}
	return out
}

// Last returns the final row and false when the series is empty.
func (s *Series) Last() (Bar, bool) {
	if s.Empty() {
		return Bar{}, false
	}
	return s.Bar(s.Len() - 1), true
}
