// internal/ohlcv/resample.go
package ohlcv

import (
	"fmt"
	"time"
)

// Resample aggregates the series into bars of width iv.
// See ResampleEvery for the bucketing rules.
func (s *Series) Resample(iv Interval) (*Series, error) {
	if !iv.Valid() {
		return nil, fmt.Errorf("ohlcv: resample: unknown interval %q", iv)
	}
	return s.ResampleEvery(iv.Duration())
}

// ResampleEvery aggregates the series into fixed-width buckets aligned to
// multiples of width since the Unix epoch (UTC, not session aligned).
//
// Rows are stably sorted by timestamp first. Per bucket: open is the first
// row's open, high the max, low the min, close the last row's close and
// volume the sum. Buckets without rows are omitted, so an empty input
// yields an empty series. Output timestamps are bucket boundaries in ms.
func (s *Series) ResampleEvery(width time.Duration) (*Series, error) {
	w := width.Milliseconds()
	if w <= 0 {
		return nil, fmt.Errorf("ohlcv: resample: width must be at least 1ms, got %s", width)
	}

	sorted := s.Sorted()
	out := newSeriesCap(0)
	for i := 0; i < sorted.Len(); i++ {
		row := sorted.Bar(i)
		bucket := floorDiv(row.Timestamp, w) * w

		last := out.Len() - 1
		if last < 0 || out.ts[last] != bucket {
			row.Timestamp = bucket
			out.appendBar(row)
			continue
		}
		if row.High > out.high[last] {
			out.high[last] = row.High
		}
		if row.Low < out.low[last] {
			out.low[last] = row.Low
		}
		out.closes[last] = row.Close
		out.volume[last] += row.Volume
	}
	return out, nil
}

// floorDiv rounds toward negative infinity so pre-epoch timestamps land in
// the bucket that starts at or before them.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
