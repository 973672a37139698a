// internal/adapter/adapter.go

// Package adapter defines the venue capability contracts, the registry that
// maps a venue identifier to its adapters, and the shared plumbing venue
// implementations build on (interval tables, callback fan-out).
package adapter

import (
	"context"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
)

// HistoricalAdapter fetches past bars from one venue.
//
// Implementations standardize the symbol for the venue, map the interval
// through their IntervalTable and parse the response into a Series. An empty
// response is an empty Series, not an error. Transport and auth errors are
// returned as produced by the venue client.
type HistoricalAdapter interface {
	FetchHistoricalBars(ctx context.Context, symbol string, interval ohlcv.Interval) (*ohlcv.Series, error)
}

// StreamAdapter relays live venue pushes to registered callbacks.
//
// Each adapter owns exactly one venue session. Callbacks for the same
// stream are invoked in registration order from the session goroutine.
// A venue without a capability logs a warning and returns a no-op
// Subscription with a nil error.
type StreamAdapter interface {
	SubscribeOHLCV(ctx context.Context, symbol string, interval ohlcv.Interval, onBar func(ohlcv.Bar)) (Subscription, error)
	SubscribeTrades(ctx context.Context, symbol string, onTrade func(ohlcv.Trade)) (Subscription, error)
	SubscribeDepth(ctx context.Context, symbol string, onDepth func(ohlcv.DepthUpdate)) (Subscription, error)
	// Close stops the venue session.
	Close() error
}

// Subscription is the handle returned by a Subscribe call.
type Subscription interface {
	// Unsubscribe removes the callback. It is idempotent.
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// NopSubscription is returned for unsupported capabilities.
var NopSubscription Subscription = SubscriptionFunc(func() {})

// Descriptor pairs a venue with its adapters. Stream may be nil for
// venues that only serve history.
type Descriptor struct {
	Venue      string
	Historical HistoricalAdapter
	Stream     StreamAdapter
}
