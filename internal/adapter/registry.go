package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps venue identifiers to descriptors. Registration normally
// happens once at startup; the lock keeps later additions safe.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Descriptor)}
}

// Register adds d. The venue must be non-empty and unique and a historical
// adapter is mandatory.
func (r *Registry) Register(d *Descriptor) error {
	switch {
	case d == nil:
		return fmt.Errorf("adapter: nil descriptor")
	case d.Venue == "":
		return fmt.Errorf("adapter: descriptor without venue")
	case d.Historical == nil:
		return fmt.Errorf("adapter: %s: historical adapter is required", d.Venue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[d.Venue]; dup {
		return fmt.Errorf("adapter: venue %q already registered", d.Venue)
	}
	r.entries[d.Venue] = d
	return nil
}

// Resolve returns the descriptor registered for venue. Repeated calls
// return the same pointer. Unknown venues yield *UnsupportedVenueError.
func (r *Registry) Resolve(venue string) (*Descriptor, error) {
	r.mu.RLock()
	d, ok := r.entries[venue]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedVenueError{Venue: venue}
	}
	return d, nil
}

// Venues lists registered venue identifiers in lexical order.
func (r *Registry) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for v := range r.entries {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Close closes every registered stream adapter and returns the first error.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var first error
	for _, d := range r.entries {
		if d.Stream == nil {
			continue
		}
		if err := d.Stream.Close(); err != nil && first == nil {
			first = fmt.Errorf("adapter: %s: close stream: %w", d.Venue, err)
		}
	}
	return first
}
