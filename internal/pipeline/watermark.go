// internal/pipeline/watermark.go
package pipeline

import (
	"sync"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
)

// Verdict classifies a live bar against the watermark.
type Verdict int

const (
	// Accept publishes the bar.
	Accept Verdict = iota
	// Gap publishes the bar; history between the watermark and it is missing.
	Gap
	// Stale drops a bar that predates the watermark.
	Stale
)

// Watermark tracks the newest published bar timestamp of one request.
//
// Equal timestamps are accepted: venues push in-progress updates of the
// current bar under the same open time, and the timestamp key lets
// downstream compaction keep the last one. Only the first live bar after
// the backfill is checked for a gap.
type Watermark struct {
	width     int64
	dropStale bool

	mu         sync.Mutex
	last       int64
	set        bool
	gapChecked bool
}

// NewWatermark returns an unset watermark for bars of interval iv.
func NewWatermark(iv ohlcv.Interval, dropStale bool) *Watermark {
	return &Watermark{width: iv.Millis(), dropStale: dropStale}
}

// Set records the newest backfilled timestamp.
func (w *Watermark) Set(ts int64) {
	w.mu.Lock()
	w.last, w.set = ts, true
	w.mu.Unlock()
}

// Last returns the current watermark (0 when unset).
func (w *Watermark) Last() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Admit classifies ts and advances the watermark for accepted bars.
func (w *Watermark) Admit(ts int64) Verdict {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.set {
		w.last, w.set, w.gapChecked = ts, true, true
		return Accept
	}
	if ts < w.last && w.dropStale {
		return Stale
	}

	verdict := Accept
	if !w.gapChecked {
		w.gapChecked = true
		if w.width > 0 && ts > w.last+w.width {
			verdict = Gap
		}
	}
	if ts > w.last {
		w.last = ts
	}
	return verdict
}
