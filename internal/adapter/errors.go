package adapter

import (
	"fmt"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
)

// UnsupportedVenueError is returned by Registry.Resolve for an unknown venue.
type UnsupportedVenueError struct {
	Venue string
}

func (e *UnsupportedVenueError) Error() string {
	return fmt.Sprintf("adapter: unsupported venue %q", e.Venue)
}

// VendorFetchError reports a failed historical fetch. Err is the venue
// client's error, untouched.
type VendorFetchError struct {
	Venue    string
	Symbol   string
	Interval ohlcv.Interval
	Err      error
}

func (e *VendorFetchError) Error() string {
	return fmt.Sprintf("adapter: %s: fetch %s %s: %v", e.Venue, e.Symbol, e.Interval, e.Err)
}

func (e *VendorFetchError) Unwrap() error { return e.Err }
