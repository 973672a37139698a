package adapter

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

type handler[T any] struct {
	id uint64
	fn func(T)
}

// Fanout is the per-adapter callback registry: stream key → ordered list of
// callbacks. Registration and dispatch may run on different goroutines.
// Callbacks run outside the lock on a snapshot of the list, so a callback
// may itself subscribe or unsubscribe.
type Fanout[T any] struct {
	venue string
	log   *logger.Logger

	mu      sync.Mutex
	nextID  uint64
	streams map[string][]handler[T]

	// OnEmpty, if set, is called after the last callback of key is removed.
	OnEmpty func(key string)
}

// NewFanout returns an empty registry; venue labels logs and metrics.
func NewFanout[T any](venue string, log *logger.Logger) *Fanout[T] {
	return &Fanout[T]{
		venue:   venue,
		log:     log,
		streams: make(map[string][]handler[T]),
	}
}

// Add appends fn to key's callback list. first is true when key had no
// callbacks before this call, which tells the adapter to subscribe upstream.
func (f *Fanout[T]) Add(key string, fn func(T)) (sub Subscription, first bool) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	first = len(f.streams[key]) == 0
	f.streams[key] = append(f.streams[key], handler[T]{id: id, fn: fn})
	f.mu.Unlock()

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() { f.remove(key, id) })
	}), first
}

func (f *Fanout[T]) remove(key string, id uint64) {
	f.mu.Lock()
	list := f.streams[key]
	kept := make([]handler[T], 0, len(list))
	for _, h := range list {
		if h.id != id {
			kept = append(kept, h)
		}
	}
	emptied := len(kept) == 0 && len(list) > 0
	if len(kept) == 0 {
		delete(f.streams, key)
	} else {
		f.streams[key] = kept
	}
	onEmpty := f.OnEmpty
	f.mu.Unlock()

	if emptied && onEmpty != nil {
		onEmpty(key)
	}
}

// Dispatch invokes every callback of key with v, in registration order, and
// returns how many ran. An event without callbacks is dropped with a warning.
func (f *Fanout[T]) Dispatch(key string, v T) int {
	f.mu.Lock()
	list := f.streams[key]
	f.mu.Unlock()

	if len(list) == 0 {
		metrics.UnroutedEvents.WithLabelValues(f.venue).Inc()
		f.log.Warn("event for unregistered stream dropped",
			zap.String("venue", f.venue),
			zap.String("stream", key),
		)
		return 0
	}
	for _, h := range list {
		h.fn(v)
	}
	return len(list)
}

// Keys returns the streams that currently have callbacks, sorted.
func (f *Fanout[T]) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.streams))
	for k := range f.streams {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of callbacks registered for key.
func (f *Fanout[T]) Len(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[key])
}
